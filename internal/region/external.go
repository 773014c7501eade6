package region

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// writeExternal stores the compressed stream of an oversized chunk in its
// c.x.z.mcc file. The data is written to a uniquely named temp file, synced
// and renamed over the target, so readers see either the old or the new
// stream and never a partial one.
func (rf *File) writeExternal(pos ChunkPos, data []byte) error {
	target := rf.externalPath(pos)
	tmp := filepath.Join(rf.dir, pos.ExternalFileName()+"."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create external temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write external temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync external temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close external temp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename external chunk: %w", err)
	}
	rf.log.Debug().Stringer("chunk", pos).Int("bytes", len(data)).Msg("stored chunk externally")
	return nil
}
