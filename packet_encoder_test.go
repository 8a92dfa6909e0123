package s2s

import (
	"bytes"
	"hash/crc32"
	"testing"
)

func TestEncoderRoundTrip(t *testing.T) {
	packets := []*DataPacket{
		NewDataPacket(map[string]string{"k": "v"}, []byte("hello")),
		NewDataPacket(map[string]string{"a": "1", "b": "2"}, []byte("world")),
		NewDataPacket(nil, nil),
	}

	e := NewEncoder()
	for _, p := range packets {
		if err := e.AppendDataPacket(p); err != nil {
			t.Fatalf("AppendDataPacket: %v", err)
		}
	}

	if got, want := e.DataPacketCount(), len(packets); got != want {
		t.Fatalf("DataPacketCount = %d, want %d", got, want)
	}

	decoded, err := DecodeDataPackets(bytes.NewReader(e.Bytes()))
	if err != nil {
		t.Fatalf("DecodeDataPackets: %v", err)
	}
	if len(decoded) != len(packets) {
		t.Fatalf("decoded %d packets, want %d", len(decoded), len(packets))
	}
	for i := range packets {
		if err := assertDataPacketsEqual(packets[i], decoded[i]); err != nil {
			t.Errorf("packet %d mismatch: %v", i, err)
		}
	}
}

func TestEncoderCrcAndLengthAreDeterministic(t *testing.T) {
	e := NewEncoder()
	p := NewDataPacket(map[string]string{"k": "v"}, []byte("hello"))
	if err := e.AppendDataPacket(p); err != nil {
		t.Fatalf("AppendDataPacket: %v", err)
	}

	crc1 := e.EncodedDataCrcChecksum()
	length1 := e.EncodedDataByteLength()
	crc2 := e.EncodedDataCrcChecksum()
	length2 := e.EncodedDataByteLength()

	if crc1 != crc2 || length1 != length2 {
		t.Fatalf("encoder state not stable across reads: crc %d/%d length %d/%d", crc1, crc2, length1, length2)
	}
	if crc1 != crc32.ChecksumIEEE(e.Bytes()) {
		t.Fatalf("crc32 %d does not match independently computed checksum %d", crc1, crc32.ChecksumIEEE(e.Bytes()))
	}
}

func TestEncoderAppendDataUpdatesCrcWithoutCountingPackets(t *testing.T) {
	e := NewEncoder()
	e.AppendData([]byte{0x0A}) // CONTINUE_TRANSACTION marker, as used by the TCP variant
	if e.DataPacketCount() != 0 {
		t.Fatalf("AppendData must not increment the packet count")
	}
	if e.EncodedDataByteLength() != 1 {
		t.Fatalf("expected 1 byte appended, got %d", e.EncodedDataByteLength())
	}
	if want := crc32.ChecksumIEEE([]byte{0x0A}); e.EncodedDataCrcChecksum() != want {
		t.Fatalf("expected crc32 %d after AppendData, got %d", want, e.EncodedDataCrcChecksum())
	}
}

func TestEncoderReaderIsRestartable(t *testing.T) {
	e := NewEncoder()
	if err := e.AppendDataPacket(NewDataPacket(map[string]string{"k": "v"}, []byte("x"))); err != nil {
		t.Fatalf("AppendDataPacket: %v", err)
	}

	r1 := e.Reader()
	b1 := make([]byte, e.EncodedDataByteLength())
	if _, err := r1.Read(b1); err != nil {
		t.Fatalf("read from first reader: %v", err)
	}

	r2 := e.Reader()
	b2 := make([]byte, e.EncodedDataByteLength())
	if _, err := r2.Read(b2); err != nil {
		t.Fatalf("read from second reader: %v", err)
	}

	if !bytes.Equal(b1, b2) {
		t.Fatalf("Reader() views diverged: %v vs %v", b1, b2)
	}
}
