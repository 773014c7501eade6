package region

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Region geometry
const (
	RegionShift     = 5
	RegionSize      = 1 << RegionShift // chunks per region edge
	ChunksPerRegion = RegionSize * RegionSize
)

// ChunkPos addresses one chunk column in the world.
type ChunkPos struct {
	X, Z int32
}

// RegionPos addresses one region file.
type RegionPos struct {
	X, Z int32
}

// Region returns the region containing the chunk (floor division by 32).
func (p ChunkPos) Region() RegionPos {
	return RegionPos{X: p.X >> RegionShift, Z: p.Z >> RegionShift}
}

// LocalX returns the non-negative x offset of the chunk inside its region.
func (p ChunkPos) LocalX() int {
	return int(p.X & (RegionSize - 1))
}

// LocalZ returns the non-negative z offset of the chunk inside its region.
func (p ChunkPos) LocalZ() int {
	return int(p.Z & (RegionSize - 1))
}

// LocalIndex returns the slot index of the chunk in its region header.
func (p ChunkPos) LocalIndex() int {
	return p.LocalX() + p.LocalZ()*RegionSize
}

func (p ChunkPos) String() string {
	return fmt.Sprintf("[%d, %d]", p.X, p.Z)
}

// Chunk returns the chunk at local offset (lx, lz) inside the region.
func (r RegionPos) Chunk(lx, lz int) ChunkPos {
	return ChunkPos{
		X: r.X<<RegionShift + int32(lx),
		Z: r.Z<<RegionShift + int32(lz),
	}
}

func (r RegionPos) String() string {
	return fmt.Sprintf("r.%d.%d", r.X, r.Z)
}

// FileName returns the region file name, e.g. "r.-1.3.mca".
func (r RegionPos) FileName() string {
	return r.String() + ".mca"
}

// Path returns the region file path inside dir.
func (r RegionPos) Path(dir string) string {
	return filepath.Join(dir, r.FileName())
}

// ExternalFileName returns the overflow file name for a chunk, e.g. "c.31.-2.mcc".
func (p ChunkPos) ExternalFileName() string {
	return fmt.Sprintf("c.%d.%d.mcc", p.X, p.Z)
}

// ParseRegionFileName parses "r.<x>.<z>.mca". ok is false for any other name.
func ParseRegionFileName(name string) (RegionPos, bool) {
	if !strings.HasPrefix(name, "r.") || !strings.HasSuffix(name, ".mca") {
		return RegionPos{}, false
	}
	parts := strings.Split(name[2:len(name)-4], ".")
	if len(parts) != 2 {
		return RegionPos{}, false
	}
	x, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return RegionPos{}, false
	}
	z, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return RegionPos{}, false
	}
	return RegionPos{X: int32(x), Z: int32(z)}, true
}
