package region

import (
	"github.com/rs/zerolog"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// FailureReporter receives per-chunk failures that the store absorbs instead
// of failing unrelated chunks.
type FailureReporter interface {
	// ChunkSaveFailed is called once a write has exhausted its retries.
	ChunkSaveFailed(pos ChunkPos, err error)
	// ChunkLoadFailed is called when a read fails with an I/O error.
	ChunkLoadFailed(pos ChunkPos, err error)
	// ChunkMisplaced is called when the payload stored at pos reports that
	// it belongs at actual. The caller decides whether to relocate or discard.
	ChunkMisplaced(pos, actual ChunkPos)
}

// LogReporter reports failures to a logger.
type LogReporter struct {
	Log zerolog.Logger
}

func (r LogReporter) ChunkSaveFailed(pos ChunkPos, err error) {
	r.Log.Error().Stringer("chunk", pos).Err(err).Msg("failed to save chunk")
}

func (r LogReporter) ChunkLoadFailed(pos ChunkPos, err error) {
	r.Log.Error().Stringer("chunk", pos).Err(err).Msg("failed to load chunk")
}

func (r LogReporter) ChunkMisplaced(pos, actual ChunkPos) {
	r.Log.Error().Stringer("chunk", pos).Stringer("actual", actual).Msg("chunk stored at wrong position")
}

// PositionExtractor reads the coordinate a payload reports for itself.
// ok is false when the payload carries no position.
type PositionExtractor func(payload []byte) (pos ChunkPos, ok bool)

// NBTPosition extracts xPos/zPos from a big-endian NBT compound payload.
func NBTPosition(payload []byte) (ChunkPos, bool) {
	var m map[string]any
	if err := nbt.UnmarshalEncoding(payload, &m, nbt.BigEndian); err != nil {
		return ChunkPos{}, false
	}
	x, okX := m["xPos"].(int32)
	z, okZ := m["zPos"].(int32)
	if !okX || !okZ {
		return ChunkPos{}, false
	}
	return ChunkPos{X: x, Z: z}, true
}
