// Package section caches decoded per-section records of chunk columns on top
// of the I/O worker. All sections of a column are loaded together from one
// record and written back together when any of them is dirty.
package section

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/freeeve/worldstore/internal/ioworker"
	"github.com/freeeve/worldstore/internal/metrics"
	"github.com/freeeve/worldstore/internal/region"
)

// ErrOutsideRange is returned when creating a section outside the stored
// vertical range.
var ErrOutsideRange = errors.New("section: outside stored range")

// Key addresses one section: a chunk column plus a vertical index.
type Key struct {
	Pos region.ChunkPos
	Y   int32
}

func (k Key) String() string { return fmt.Sprintf("[%d, %d, %d]", k.Pos.X, k.Y, k.Pos.Z) }

// Codec converts section values to and from NBT-encodable values.
type Codec[T any] interface {
	Encode(v T) (any, error)
	Decode(raw any) (T, error)
}

// Factory builds an empty section. markDirty schedules the section for
// writing and may be retained by the value.
type Factory[T any] func(markDirty func()) T

// Upgrader rewrites a column record stored with an older data version.
type Upgrader func(record map[string]any, from int32) (map[string]any, error)

// Config configures a Store.
type Config[T any] struct {
	Codec       Codec[T]
	Factory     Factory[T]
	Upgrader    Upgrader // nil keeps records as stored
	DataVersion int32

	// Stored vertical range, inclusive. Both zero selects -4..19.
	MinSection int32
	MaxSection int32

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type entry[T any] struct {
	value   T
	present bool
}

// Store holds loaded sections. It is not safe for concurrent use; only
// GetOrLoad, GetOrCreate, Flush and FlushAll block.
type Store[T any] struct {
	worker *ioworker.Worker
	cfg    Config[T]
	log    zerolog.Logger

	entries    map[Key]*entry[T]
	dirty      map[Key]struct{}
	dirtyOrder []Key // first-dirtied first; may hold keys no longer dirty
}

// New returns an empty store reading and writing columns through w.
func New[T any](w *ioworker.Worker, cfg Config[T]) (*Store[T], error) {
	if cfg.Codec == nil {
		return nil, errors.New("section store: codec required")
	}
	if cfg.MinSection == 0 && cfg.MaxSection == 0 {
		cfg.MinSection, cfg.MaxSection = -4, 19
	}
	if cfg.MinSection > cfg.MaxSection {
		return nil, fmt.Errorf("section store: min section %d above max %d", cfg.MinSection, cfg.MaxSection)
	}
	return &Store[T]{
		worker:  w,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "section-store").Logger(),
		entries: make(map[Key]*entry[T]),
		dirty:   make(map[Key]struct{}),
	}, nil
}

func (s *Store[T]) outsideRange(key Key) bool {
	return key.Y < s.cfg.MinSection || key.Y > s.cfg.MaxSection
}

// Get returns the cached section without loading. loaded reports whether
// the column has been read; present whether the section holds a value.
func (s *Store[T]) Get(key Key) (v T, present, loaded bool) {
	e, ok := s.entries[key]
	if !ok {
		return v, false, false
	}
	return e.value, e.present, true
}

// GetOrLoad returns the section, reading its column first if needed.
// Sections outside the stored range are absent.
func (s *Store[T]) GetOrLoad(ctx context.Context, key Key) (T, bool, error) {
	var zero T
	if s.outsideRange(key) {
		return zero, false, nil
	}
	if v, present, loaded := s.Get(key); loaded {
		return v, present, nil
	}
	if err := s.readColumn(ctx, key.Pos); err != nil {
		return zero, false, err
	}
	v, present, _ := s.Get(key)
	return v, present, nil
}

// GetOrCreate returns the section, creating an empty one with the factory
// when absent. A new section is not dirty until it marks itself.
func (s *Store[T]) GetOrCreate(ctx context.Context, key Key) (T, error) {
	var zero T
	if s.outsideRange(key) {
		return zero, fmt.Errorf("%w: %s", ErrOutsideRange, key)
	}
	v, present, err := s.GetOrLoad(ctx, key)
	if err != nil {
		return zero, err
	}
	if present {
		return v, nil
	}
	if s.cfg.Factory == nil {
		return zero, errors.New("section store: no factory configured")
	}
	v = s.cfg.Factory(func() { s.SetDirty(key) })
	s.entries[key] = &entry[T]{value: v, present: true}
	return v, nil
}

// Remove clears a section and schedules the removal to be written.
func (s *Store[T]) Remove(key Key) {
	s.entries[key] = &entry[T]{}
	s.markDirty(key)
}

// SetDirty schedules a present section for writing. Keys without a value
// are logged and ignored.
func (s *Store[T]) SetDirty(key Key) {
	if e, ok := s.entries[key]; !ok || !e.present {
		s.log.Warn().Stringer("section", key).Msg("no data for section, ignoring dirty mark")
		return
	}
	s.markDirty(key)
}

func (s *Store[T]) markDirty(key Key) {
	if _, ok := s.dirty[key]; ok {
		return
	}
	s.dirty[key] = struct{}{}
	s.dirtyOrder = append(s.dirtyOrder, key)
}

// HasWork reports whether any section is waiting to be written.
func (s *Store[T]) HasWork() bool { return len(s.dirty) > 0 }

// Tick writes dirty columns, oldest first, while haveTime allows. Writes
// are handed to the worker and not awaited.
func (s *Store[T]) Tick(ctx context.Context, haveTime func() bool) error {
	for s.HasWork() && haveTime() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, ok := s.firstDirty()
		if !ok {
			break
		}
		if _, err := s.writeColumn(key.Pos); err != nil {
			return err
		}
	}
	return nil
}

// firstDirty returns the oldest dirty key without dequeuing it. Keys whose
// column was written since they were queued are discarded here, so a column
// that fails to encode stays at the front until it is written.
func (s *Store[T]) firstDirty() (Key, bool) {
	for len(s.dirtyOrder) > 0 {
		key := s.dirtyOrder[0]
		if _, ok := s.dirty[key]; ok {
			return key, true
		}
		s.dirtyOrder = s.dirtyOrder[1:]
	}
	return Key{}, false
}

// Flush writes the column at pos if any of its sections is dirty and waits
// for the write to complete.
func (s *Store[T]) Flush(ctx context.Context, pos region.ChunkPos) error {
	if !s.columnDirty(pos) {
		return nil
	}
	f, err := s.writeColumn(pos)
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// FlushAll writes every dirty column and waits for all writes.
func (s *Store[T]) FlushAll(ctx context.Context) error {
	var futures []*ioworker.Future[struct{}]
	for {
		key, ok := s.firstDirty()
		if !ok {
			break
		}
		f, err := s.writeColumn(key.Pos)
		if err != nil {
			return err
		}
		futures = append(futures, f)
	}
	var errs []error
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store[T]) columnDirty(pos region.ChunkPos) bool {
	for y := s.cfg.MinSection; y <= s.cfg.MaxSection; y++ {
		if _, ok := s.dirty[Key{pos, y}]; ok {
			return true
		}
	}
	return false
}

// readColumn loads the record for pos and fans it out into one entry per
// section. Sections already cached are left alone.
func (s *Store[T]) readColumn(ctx context.Context, pos region.ChunkPos) error {
	data, err := s.worker.Load(pos).Wait(ctx)
	if err != nil {
		return fmt.Errorf("load column %s: %w", pos, err)
	}

	var col column
	if data != nil {
		col, err = decodeColumn(data)
		if err != nil {
			s.log.Error().Stringer("chunk", pos).Err(err).Msg("unreadable column record, treating as empty")
			data = nil
		}
	}

	upgraded := false
	if data != nil && col.version != s.cfg.DataVersion && s.cfg.Upgrader != nil {
		record, err := s.cfg.Upgrader(col.record, col.version)
		if err != nil {
			return fmt.Errorf("upgrade column %s from version %d: %w", pos, col.version, err)
		}
		s.log.Debug().Stringer("chunk", pos).Int32("from", col.version).Int32("to", s.cfg.DataVersion).Msg("upgraded column record")
		col = columnOf(record)
		upgraded = true
	}

	for y := s.cfg.MinSection; y <= s.cfg.MaxSection; y++ {
		key := Key{pos, y}
		if _, ok := s.entries[key]; ok {
			continue
		}
		raw, ok := col.sections[sectionTag(y)]
		if !ok {
			s.entries[key] = &entry[T]{}
			continue
		}
		v, err := s.cfg.Codec.Decode(raw)
		if err != nil {
			s.log.Error().Stringer("section", key).Err(err).Msg("failed to decode section, treating as absent")
			s.entries[key] = &entry[T]{}
			continue
		}
		s.entries[key] = &entry[T]{value: v, present: true}
		if upgraded {
			s.markDirty(key)
		}
	}
	return nil
}

// writeColumn encodes every present section of pos into one record and
// hands it to the worker. The column's sections are no longer dirty.
func (s *Store[T]) writeColumn(pos region.ChunkPos) (*ioworker.Future[struct{}], error) {
	sections := make(map[string]any)
	for y := s.cfg.MinSection; y <= s.cfg.MaxSection; y++ {
		e, ok := s.entries[Key{pos, y}]
		if !ok || !e.present {
			continue
		}
		raw, err := s.cfg.Codec.Encode(e.value)
		if err != nil {
			return nil, fmt.Errorf("encode section %s: %w", Key{pos, y}, err)
		}
		sections[sectionTag(y)] = raw
	}
	data, err := encodeColumn(s.cfg.DataVersion, sections)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", pos, err)
	}
	for y := s.cfg.MinSection; y <= s.cfg.MaxSection; y++ {
		delete(s.dirty, Key{pos, y})
	}
	s.cfg.Metrics.ColumnWritten()
	return s.worker.Store(pos, data), nil
}
