package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/worldstore/internal/metrics"
)

// DefaultMaxPayloadSize caps the compressed size of a single chunk.
const DefaultMaxPayloadSize = 256 << 20

// FileOptions configures an open region file.
type FileOptions struct {
	Compression    Compression
	MaxPayloadSize int  // compressed bytes; 0 = DefaultMaxPayloadSize
	Sync           bool // fsync after every write
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Clock          func() time.Time
}

// File is one open region file holding up to 1024 chunks.
// A File is not safe for concurrent use.
type File struct {
	pos    RegionPos
	path   string
	dir    string
	f      *os.File
	hdr    header
	counts [ChunksPerRegion]int // true sector counts, 255 escape resolved
	alloc  *SectorAllocator
	opts   FileOptions
	log    zerolog.Logger
	closed bool
}

// SlotInfo describes one occupied chunk slot.
type SlotInfo struct {
	Pos       ChunkPos
	Sector    int
	Sectors   int
	Timestamp time.Time
	Length    int // declared body length (tag + data); 1 for external stubs
	Format    Format
	External  bool
}

// OpenFile opens or creates the region file for pos inside dir.
func OpenFile(dir string, pos RegionPos, opts FileOptions) (*File, error) {
	if opts.Compression.Format == 0 {
		opts.Compression.Format = FormatDeflate
	}
	if opts.MaxPayloadSize == 0 {
		opts.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if _, err := opts.Compression.codec(); err != nil {
		return nil, err
	}

	path := pos.Path(dir)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}

	rf := &File{
		pos:   pos,
		path:  path,
		dir:   dir,
		f:     f,
		alloc: NewSectorAllocator(),
		opts:  opts,
		log:   opts.Logger.With().Str("region", pos.String()).Logger(),
	}
	if err := rf.loadHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	return rf, nil
}

func (rf *File) loadHeader() error {
	fi, err := rf.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	buf := make([]byte, HeaderBytes)
	n, err := rf.f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read header: %w", err)
	}
	if size > 0 && n < HeaderBytes {
		rf.log.Warn().Int64("size", size).Msg("region file has truncated header")
	}
	rf.hdr.decode(buf[:n])

	if size < HeaderBytes {
		if _, err := rf.f.WriteAt(rf.hdr.encode(), 0); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		size = HeaderBytes
	}

	fileSectors := sizeToSectors(int(size))
	for i := 0; i < ChunksPerRegion; i++ {
		off := rf.hdr.offsets[i]
		if off == 0 {
			continue
		}
		sector, count := offsetSector(off), offsetCount(off)
		pos := rf.pos.Chunk(i%RegionSize, i/RegionSize)
		switch {
		case count == 0:
			rf.log.Warn().Int("index", i).Int("sector", sector).Msg("invalid slot: zero sectors")
			rf.dropSlot(i)
			continue
		case sector < headerSectors:
			rf.log.Warn().Int("index", i).Int("sector", sector).Msg("invalid slot: overlaps header")
			rf.dropSlot(i)
			continue
		}
		if count == maxInlineSectors {
			var lenBuf [4]byte
			if _, err := rf.f.ReadAt(lenBuf[:], int64(sector)*SectorBytes); err != nil {
				rf.log.Warn().Stringer("chunk", pos).Err(err).Msg("invalid slot: unreadable oversized length")
				rf.dropSlot(i)
				continue
			}
			count = sizeToSectors(int(binary.BigEndian.Uint32(lenBuf[:])) + 4)
		}
		if sector+count > fileSectors {
			rf.log.Warn().Int("index", i).Int("sector", sector).Int("sectors", count).
				Int("file_sectors", fileSectors).Msg("invalid slot: out of bounds")
			rf.dropSlot(i)
			continue
		}
		if rf.alloc.AnyUsed(sector, count) {
			rf.log.Warn().Stringer("chunk", pos).Int("sector", sector).Int("sectors", count).
				Msg("invalid slot: overlaps another chunk")
			rf.dropSlot(i)
			continue
		}
		rf.counts[i] = count
		rf.alloc.Reserve(sector, count)
	}
	return nil
}

func (rf *File) dropSlot(i int) {
	rf.hdr.offsets[i] = 0
	rf.counts[i] = 0
	rf.opts.Metrics.CorruptChunk()
}

// Pos returns the region coordinate of the file.
func (rf *File) Pos() RegionPos { return rf.pos }

// Path returns the file path.
func (rf *File) Path() string { return rf.path }

func (rf *File) externalPath(pos ChunkPos) string {
	return filepath.Join(rf.dir, pos.ExternalFileName())
}

func (rf *File) checkPos(pos ChunkPos) error {
	if pos.Region() != rf.pos {
		return fmt.Errorf("chunk %s is not in region %s", pos, rf.pos)
	}
	if rf.closed {
		return ErrClosed
	}
	return nil
}

// corrupt logs a corruption finding. Corrupt slots read as absent.
func (rf *File) corrupt(pos ChunkPos, err error) {
	rf.opts.Metrics.CorruptChunk()
	rf.log.Error().Stringer("chunk", pos).Err(err).Msg("corrupt chunk treated as absent")
}

// openBody returns the format and compressed stream of a stored chunk. A nil
// reader with nil error means absent or corrupt (already logged).
func (rf *File) openBody(pos ChunkPos) (Format, io.Reader, error) {
	i := pos.LocalIndex()
	off := rf.hdr.offsets[i]
	if off == 0 {
		return 0, nil, nil
	}
	sector, count := offsetSector(off), rf.counts[i]

	buf := make([]byte, count*SectorBytes)
	n, err := rf.f.ReadAt(buf, int64(sector)*SectorBytes)
	if err != nil && err != io.EOF {
		return 0, nil, fmt.Errorf("read chunk %s: %w", pos, err)
	}
	buf = buf[:n]
	if len(buf) < chunkHeaderSize {
		rf.corrupt(pos, fmt.Errorf("%w: truncated chunk header", ErrCorrupt))
		return 0, nil, nil
	}

	length := int(binary.BigEndian.Uint32(buf[0:4]))
	tag := buf[4]
	if length == 0 {
		rf.corrupt(pos, fmt.Errorf("%w: slot allocated but stream is missing", ErrCorrupt))
		return 0, nil, nil
	}
	numBytes := length - 1

	if tag&externalFlag != 0 {
		format := Format(tag &^ externalFlag)
		if numBytes != 0 {
			rf.log.Warn().Stringer("chunk", pos).Msg("chunk has both internal and external streams")
		}
		if !knownFormat(format) {
			rf.corrupt(pos, fmt.Errorf("%w: tag %d", ErrUnknownFormat, tag))
			return 0, nil, nil
		}
		data, err := os.ReadFile(rf.externalPath(pos))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				rf.corrupt(pos, fmt.Errorf("%w: external file missing", ErrCorrupt))
				return 0, nil, nil
			}
			return 0, nil, fmt.Errorf("read external chunk %s: %w", pos, err)
		}
		return format, bytes.NewReader(data), nil
	}

	if numBytes > len(buf)-chunkHeaderSize {
		rf.corrupt(pos, fmt.Errorf("%w: declared %d bytes but slot holds %d", ErrCorrupt, numBytes, len(buf)-chunkHeaderSize))
		return 0, nil, nil
	}
	format := Format(tag)
	if !knownFormat(format) {
		rf.corrupt(pos, fmt.Errorf("%w: tag %d", ErrUnknownFormat, tag))
		return 0, nil, nil
	}
	return format, bytes.NewReader(buf[chunkHeaderSize : chunkHeaderSize+numBytes]), nil
}

// OpenReader returns a stream of the decompressed payload. The reader is nil
// when the chunk is absent or corrupt.
func (rf *File) OpenReader(pos ChunkPos) (io.ReadCloser, error) {
	if err := rf.checkPos(pos); err != nil {
		return nil, err
	}
	format, body, err := rf.openBody(pos)
	if body == nil {
		return nil, err
	}
	rc, err := decompressor(format, body)
	if err != nil {
		rf.corrupt(pos, err)
		return nil, nil
	}
	rf.opts.Metrics.ChunkRead()
	return rc, nil
}

// Read returns the payload of a chunk, or nil when absent. Corrupt chunks are
// logged and read as absent; only I/O failures return an error.
func (rf *File) Read(pos ChunkPos) ([]byte, error) {
	rc, err := rf.OpenReader(pos)
	if rc == nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		rf.corrupt(pos, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err))
		return nil, nil
	}
	return data, nil
}

// Exists reports whether a readable chunk is stored at pos, without
// decompressing it.
func (rf *File) Exists(pos ChunkPos) (bool, error) {
	if err := rf.checkPos(pos); err != nil {
		return false, err
	}
	i := pos.LocalIndex()
	off := rf.hdr.offsets[i]
	if off == 0 {
		return false, nil
	}
	var hb [chunkHeaderSize]byte
	if _, err := rf.f.ReadAt(hb[:], int64(offsetSector(off))*SectorBytes); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("read chunk header %s: %w", pos, err)
	}
	length := int(binary.BigEndian.Uint32(hb[0:4]))
	tag := hb[4]
	if tag&externalFlag != 0 {
		if !knownFormat(Format(tag &^ externalFlag)) {
			return false, nil
		}
		_, err := os.Stat(rf.externalPath(pos))
		return err == nil, nil
	}
	if !knownFormat(Format(tag)) || length == 0 {
		return false, nil
	}
	return length-1 <= rf.counts[i]*SectorBytes-chunkHeaderSize, nil
}

// Timestamp returns the last write time of a chunk, zero when absent.
func (rf *File) Timestamp(pos ChunkPos) time.Time {
	ts := rf.hdr.timestamps[pos.LocalIndex()]
	if ts == 0 || rf.hdr.offsets[pos.LocalIndex()] == 0 {
		return time.Time{}
	}
	return time.Unix(int64(ts), 0)
}

// Slots lists the occupied slots in index order.
func (rf *File) Slots() ([]SlotInfo, error) {
	if rf.closed {
		return nil, ErrClosed
	}
	var out []SlotInfo
	for i := 0; i < ChunksPerRegion; i++ {
		off := rf.hdr.offsets[i]
		if off == 0 {
			continue
		}
		info := SlotInfo{
			Pos:       rf.pos.Chunk(i%RegionSize, i/RegionSize),
			Sector:    offsetSector(off),
			Sectors:   rf.counts[i],
			Timestamp: time.Unix(int64(rf.hdr.timestamps[i]), 0),
		}
		var hb [chunkHeaderSize]byte
		if _, err := rf.f.ReadAt(hb[:], int64(info.Sector)*SectorBytes); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read chunk header %s: %w", info.Pos, err)
		}
		info.Length = int(binary.BigEndian.Uint32(hb[0:4]))
		info.External = hb[4]&externalFlag != 0
		info.Format = Format(hb[4] &^ externalFlag)
		out = append(out, info)
	}
	return out, nil
}

// Write stores data for pos; nil data deletes the chunk. New sectors are
// allocated and the header persisted before the old sectors are released.
func (rf *File) Write(pos ChunkPos, data []byte) error {
	if err := rf.checkPos(pos); err != nil {
		return err
	}
	if data == nil {
		return rf.clear(pos)
	}

	var body bytes.Buffer
	body.Write(make([]byte, chunkHeaderSize))
	if err := rf.opts.Compression.compress(&body, data); err != nil {
		return fmt.Errorf("write chunk %s: %w", pos, err)
	}
	raw := body.Bytes()
	compressed := len(raw) - chunkHeaderSize

	if compressed > rf.opts.MaxPayloadSize {
		if err := rf.clear(pos); err != nil {
			rf.log.Error().Stringer("chunk", pos).Err(err).Msg("clear oversized chunk")
		}
		return fmt.Errorf("%w: chunk %s compresses to %d bytes (limit %d)",
			ErrPayloadTooLarge, pos, compressed, rf.opts.MaxPayloadSize)
	}

	tag := byte(rf.opts.Compression.Format)
	sectors := sizeToSectors(len(raw))
	external := sectors > maxInlineSectors
	placement := "region"
	if external {
		// The full stream moves to c.x.z.mcc before the header can reference
		// it; the region keeps a one-sector stub.
		if err := rf.writeExternal(pos, raw[chunkHeaderSize:]); err != nil {
			return fmt.Errorf("write chunk %s: %w", pos, err)
		}
		raw = raw[:chunkHeaderSize]
		binary.BigEndian.PutUint32(raw[0:4], 1)
		raw[4] = tag | externalFlag
		sectors = 1
		placement = "external"
	} else {
		binary.BigEndian.PutUint32(raw[0:4], uint32(compressed+1))
		raw[4] = tag
	}

	i := pos.LocalIndex()
	oldOff, oldCount, oldTS := rf.hdr.offsets[i], rf.counts[i], rf.hdr.timestamps[i]

	start := rf.alloc.Allocate(sectors)
	if _, err := rf.f.WriteAt(raw, int64(start)*SectorBytes); err != nil {
		rf.alloc.Free(start, sectors)
		return fmt.Errorf("write chunk %s body: %w", pos, err)
	}

	rf.hdr.offsets[i] = packOffset(start, min(sectors, maxInlineSectors))
	rf.counts[i] = sectors
	rf.hdr.timestamps[i] = uint32(rf.opts.Clock().Unix())
	if err := rf.writeHeader(); err != nil {
		rf.hdr.offsets[i], rf.counts[i], rf.hdr.timestamps[i] = oldOff, oldCount, oldTS
		rf.alloc.Free(start, sectors)
		return fmt.Errorf("write chunk %s header: %w", pos, err)
	}

	if !external {
		if err := os.Remove(rf.externalPath(pos)); err != nil && !errors.Is(err, os.ErrNotExist) {
			rf.log.Warn().Stringer("chunk", pos).Err(err).Msg("remove stale external chunk")
		}
	}
	if oldOff != 0 {
		rf.alloc.Free(offsetSector(oldOff), oldCount)
	}
	if rf.opts.Sync {
		if err := rf.f.Sync(); err != nil {
			return fmt.Errorf("sync region %s: %w", rf.pos, err)
		}
	}
	rf.opts.Metrics.ChunkWritten(placement, compressed)
	return nil
}

// Delete removes a chunk. Equivalent to Write(pos, nil).
func (rf *File) Delete(pos ChunkPos) error {
	return rf.Write(pos, nil)
}

func (rf *File) clear(pos ChunkPos) error {
	i := pos.LocalIndex()
	oldOff, oldCount, oldTS := rf.hdr.offsets[i], rf.counts[i], rf.hdr.timestamps[i]
	rf.hdr.offsets[i], rf.counts[i], rf.hdr.timestamps[i] = 0, 0, 0
	if err := rf.writeHeader(); err != nil {
		rf.hdr.offsets[i], rf.counts[i], rf.hdr.timestamps[i] = oldOff, oldCount, oldTS
		return fmt.Errorf("clear chunk %s: %w", pos, err)
	}
	if err := os.Remove(rf.externalPath(pos)); err != nil && !errors.Is(err, os.ErrNotExist) {
		rf.log.Warn().Stringer("chunk", pos).Err(err).Msg("remove external chunk")
	}
	if oldOff != 0 {
		rf.alloc.Free(offsetSector(oldOff), oldCount)
	}
	rf.opts.Metrics.ChunkWritten("delete", 0)
	return nil
}

func (rf *File) writeHeader() error {
	_, err := rf.f.WriteAt(rf.hdr.encode(), 0)
	return err
}

// Flush forces written data to stable storage.
func (rf *File) Flush() error {
	if rf.closed {
		return nil
	}
	return rf.f.Sync()
}

// Close pads the file to a whole number of sectors and closes it.
func (rf *File) Close() error {
	if rf.closed {
		return nil
	}
	rf.closed = true
	padErr := rf.padToFullSector()
	syncErr := rf.f.Sync()
	closeErr := rf.f.Close()
	return errors.Join(padErr, syncErr, closeErr)
}

func (rf *File) padToFullSector() error {
	fi, err := rf.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	target := int64(sizeToSectors(int(size))) * SectorBytes
	if size == target {
		return nil
	}
	_, err = rf.f.WriteAt(make([]byte, target-size), size)
	return err
}
