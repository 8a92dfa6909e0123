package s2s

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Encoder serializes a sequence of DataPackets into the S2S wire frame
// (§4.1) and tracks the running CRC32 and byte length of everything
// appended so far. It is the Go analog of the iOS client's
// NiFiDataPacketEncoder.
//
// Format per packet, big-endian, no padding:
//
//	u32 numAttributes
//	{ u32 keyLen; utf8 key; u32 valueLen; utf8 value } * numAttributes
//	i64 contentLength
//	contentLength bytes of content
type Encoder struct {
	buf         bytes.Buffer
	crc         crcAccumulator
	packetCount int
}

// NewEncoder returns an empty encoder ready for appendDataPacket/appendData.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.crc.reset()
	return e
}

// AppendDataPacket buffers one packet's frame and folds its bytes into the
// running CRC32. Attribute iteration uses AttributeKeys so that the encoded
// order matches the packet's own insertion order.
func (e *Encoder) AppendDataPacket(p *DataPacket) error {
	frame, err := encodePacketFrame(p)
	if err != nil {
		return err
	}
	e.AppendData(frame)
	e.packetCount++
	return nil
}

// encodePacketFrame renders one packet's §4.1 frame bytes without touching
// any Encoder state. The TCP transaction variant uses this directly so it
// can interleave the frame with CONTINUE_TRANSACTION/FINISH_TRANSACTION
// marker bytes on the wire while still folding everything through one
// Encoder's CRC32 via AppendData.
func encodePacketFrame(p *DataPacket) ([]byte, error) {
	var header bytes.Buffer
	keys := p.AttributeKeys()
	if err := binary.Write(&header, binary.BigEndian, uint32(len(keys))); err != nil {
		return nil, err
	}
	for _, k := range keys {
		v, _ := p.Attribute(k)
		if err := writeLengthPrefixedString(&header, k); err != nil {
			return nil, err
		}
		if err := writeLengthPrefixedString(&header, v); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&header, binary.BigEndian, p.DataLength()); err != nil {
		return nil, err
	}

	if p.DataLength() > 0 {
		content, err := io.ReadAll(io.LimitReader(p.Content(), p.DataLength()))
		if err != nil {
			return nil, err
		}
		if int64(len(content)) != p.DataLength() {
			return nil, newError(ErrKindSiteToSiteTransaction, "data packet content shorter than declared dataLength")
		}
		header.Write(content)
	}

	return header.Bytes(), nil
}

// AppendData is a raw pass-through used by the TCP variant, where the
// transport itself interleaves CONTINUE_TRANSACTION/FINISH_TRANSACTION
// framing bytes with packet bytes but both still need to count toward the
// same CRC32 and byte length.
func (e *Encoder) AppendData(data []byte) {
	e.buf.Write(data)
	e.crc.pushBytes(data)
}

// DataPacketCount returns the number of packets passed to AppendDataPacket.
// Bytes appended via AppendData alone do not increment this counter.
func (e *Encoder) DataPacketCount() int {
	return e.packetCount
}

// EncodedDataCrcChecksum returns the CRC32 of every byte appended so far.
// Stable once read, per the invariant that length/CRC are deterministic
// functions of the append sequence.
func (e *Encoder) EncodedDataCrcChecksum() uint32 {
	return e.crc.value()
}

// EncodedDataByteLength returns the total number of bytes appended so far.
func (e *Encoder) EncodedDataByteLength() int {
	return e.buf.Len()
}

// Bytes returns the fully materialized encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Reader returns a restartable byte-sequence view of the encoded payload;
// each call yields an independent reader starting at offset 0.
func (e *Encoder) Reader() io.Reader {
	return bytes.NewReader(e.buf.Bytes())
}

func writeLengthPrefixedString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// DecodeDataPackets reverses the §4.1 framing, used by tests (and any
// server-side component) to verify round-trip fidelity. It reads until r is
// exhausted, returning one DataPacket per frame encountered.
func DecodeDataPackets(r io.Reader) ([]*DataPacket, error) {
	var packets []*DataPacket
	for {
		p, err := decodeOneDataPacket(r)
		if err != nil {
			if err == io.EOF {
				return packets, nil
			}
			return nil, err
		}
		packets = append(packets, p)
	}
}

// DecodeOneDataPacket reads exactly one §4.1 frame from r and returns it.
// The TCP transaction variant's server-side test harness uses this to pull
// one packet at a time between CONTINUE_TRANSACTION markers, since the
// stream as a whole is not frame-delimited the way DecodeDataPackets
// expects (it also carries the marker bytes).
func DecodeOneDataPacket(r io.Reader) (*DataPacket, error) {
	return decodeOneDataPacket(r)
}

func decodeOneDataPacket(r io.Reader) (*DataPacket, error) {
	var numAttrs uint32
	if err := binary.Read(r, binary.BigEndian, &numAttrs); err != nil {
		return nil, err
	}

	attrs := make(map[string]string, numAttrs)
	keys := make([]string, 0, numAttrs)
	for i := uint32(0); i < numAttrs; i++ {
		k, err := readLengthPrefixedString(r)
		if err != nil {
			return nil, err
		}
		v, err := readLengthPrefixedString(r)
		if err != nil {
			return nil, err
		}
		if _, exists := attrs[k]; !exists {
			keys = append(keys, k)
		}
		attrs[k] = v
	}

	var contentLength int64
	if err := binary.Read(r, binary.BigEndian, &contentLength); err != nil {
		return nil, err
	}
	content := make([]byte, contentLength)
	if contentLength > 0 {
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, err
		}
	}

	p := NewDataPacket(nil, content)
	for _, k := range keys {
		p.SetAttribute(k, attrs[k])
	}
	return p, nil
}

func readLengthPrefixedString(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
