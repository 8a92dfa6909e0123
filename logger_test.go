package s2s

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLogger(t *testing.T) {
	loggerStdout := NewSimpleLogger(nil, LevelDebug, "TEST")
	defer loggerStdout.Close()

	loggerStdout.Write([]byte("DEBUG: This is a debug message"))
	loggerStdout.Write([]byte("INFO: This is an info message"))
	loggerStdout.Write([]byte("WARNING: This is a warning message"))
	loggerStdout.Write([]byte("ERROR: This is an error message"))
	loggerStdout.Write([]byte("This is a default info message")) // No prefix

	loggerStdout.SetLevel(LevelWarning)
	fmt.Println("\n--- After setting level to WARNING ---")
	loggerStdout.Write([]byte("DEBUG: This debug message will be filtered"))
	loggerStdout.Write([]byte("WARNING: This warning message will be shown"))
	loggerStdout.Write([]byte("ERROR: This error message will be shown"))

	// Example usage with a file output.
	file, err := os.Create(filepath.Join(t.TempDir(), "app.log"))
	if err != nil {
		t.Fatalf("creating log file: %v", err)
	}
	loggerFile := NewSimpleLogger(file, LevelInfo, "TEST")
	defer loggerFile.Close()

	loggerFile.Write([]byte("INFO: Logging to file"))
	loggerFile.Write([]byte("ERROR: An error occurred in file"))

	if err := loggerFile.SetLevelFromString("debug"); err != nil {
		t.Fatalf("SetLevelFromString(debug): %v", err)
	}
	loggerFile.Write([]byte("DEBUG: This debug message will be logged to file"))

	if err := loggerFile.SetLevelFromString("INVALID"); err == nil {
		t.Fatalf("expected an error for an invalid level string")
	}
}

func TestLoggerNilReceiverIsSafe(t *testing.T) {
	var l *Logger
	l.Debugf("hello %d", 1)
	l.Infof("hello")
	l.Warnf("hello")
	l.Errorf("hello")
	if _, err := l.Write([]byte("INFO: hi")); err != nil {
		t.Fatalf("Write on nil logger: %v", err)
	}
}
