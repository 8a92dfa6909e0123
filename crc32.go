package s2s

import "hash/crc32"

// crcAccumulator is a running IEEE CRC32 (polynomial 0xEDB88320, initial
// 0xFFFFFFFF, input and output reflected, final XOR 0xFFFFFFFF) — the same
// checksum hash/crc32's default table computes. It is kept as its own small
// type, mirroring the teacher's single-purpose crc helper, so the encoder
// can expose reset/pushBytes/value without leaking a hash.Hash32 handle.
type crcAccumulator struct {
	h uint32
}

func (c *crcAccumulator) reset() {
	c.h = 0
}

func (c *crcAccumulator) pushBytes(data []byte) {
	c.h = crc32.Update(c.h, crc32.IEEETable, data)
}

func (c *crcAccumulator) value() uint32 {
	return c.h
}
