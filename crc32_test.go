package s2s

import (
	"hash/crc32"
	"testing"
)

func TestCRCAccumulator(t *testing.T) {
	var c crcAccumulator
	c.reset()
	c.pushBytes([]byte("hello"))
	c.pushBytes([]byte("world"))

	want := crc32.ChecksumIEEE([]byte("helloworld"))
	if c.value() != want {
		t.Fatalf("crc expected %v, actual %v", want, c.value())
	}
}

func TestCRCAccumulatorResetDiscardsPriorBytes(t *testing.T) {
	var c crcAccumulator
	c.pushBytes([]byte("garbage"))
	c.reset()
	c.pushBytes([]byte("abc"))

	want := crc32.ChecksumIEEE([]byte("abc"))
	if c.value() != want {
		t.Fatalf("crc expected %v, actual %v", want, c.value())
	}
}
