package region

import "encoding/binary"

// Header layout: offsets table (1024 x uint32 BE) in sector 0, timestamps
// table (1024 x uint32 BE Unix seconds) in sector 1.
const (
	HeaderBytes = headerSectors * SectorBytes

	// chunkHeaderSize is the 4-byte length plus 1-byte format tag that
	// precedes every chunk body.
	chunkHeaderSize = 5

	// maxInlineSectors is the largest count a slot can hold. A slot with
	// this count takes its true length from the body.
	maxInlineSectors = 255
)

type header struct {
	offsets    [ChunksPerRegion]uint32
	timestamps [ChunksPerRegion]uint32
}

func packOffset(sector, count int) uint32 {
	return uint32(sector)<<8 | uint32(count&0xFF)
}

func offsetSector(v uint32) int { return int(v >> 8) }
func offsetCount(v uint32) int  { return int(v & 0xFF) }

// sizeToSectors returns the sectors needed to hold n bytes.
func sizeToSectors(n int) int {
	return (n + SectorBytes - 1) / SectorBytes
}

func (h *header) encode() []byte {
	buf := make([]byte, HeaderBytes)
	for i := 0; i < ChunksPerRegion; i++ {
		binary.BigEndian.PutUint32(buf[i*4:], h.offsets[i])
		binary.BigEndian.PutUint32(buf[SectorBytes+i*4:], h.timestamps[i])
	}
	return buf
}

// decode reads as much of the tables as buf holds; missing entries are zero.
func (h *header) decode(buf []byte) {
	for i := 0; i < ChunksPerRegion; i++ {
		if off := i * 4; off+4 <= len(buf) {
			h.offsets[i] = binary.BigEndian.Uint32(buf[off:])
		}
		if off := SectorBytes + i*4; off+4 <= len(buf) {
			h.timestamps[i] = binary.BigEndian.Uint32(buf[off:])
		}
	}
}
