package region

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/freeeve/worldstore/internal/metrics"
)

// Config configures a Store.
type Config struct {
	Dir            string
	Compression    Compression // default deflate
	MaxOpenFiles   int         // default 256
	MaxRetries     int         // write retries after the first attempt, default 3; <0 disables
	RetryInterval  time.Duration
	MaxPayloadSize int
	Sync           bool
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Reporter       FailureReporter   // default LogReporter
	Extractor      PositionExtractor // nil disables misplaced-chunk detection
	Clock          func() time.Time
}

// Store maps chunk coordinates to region files in one directory and keeps
// a bounded LRU of open files. It is not safe for concurrent use: the I/O
// worker owns it.
type Store struct {
	cfg    Config
	files  *simplelru.LRU[RegionPos, *File]
	log    zerolog.Logger
	closed bool
}

// NewStore creates the directory if needed and returns an empty store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("region store: dir required")
	}
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = 256
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.Compression.Format == 0 {
		cfg.Compression.Format = FormatDeflate
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{Log: cfg.Logger}
	}
	if _, err := cfg.Compression.codec(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	files, err := simplelru.NewLRU[RegionPos, *File](cfg.MaxOpenFiles, nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:   cfg,
		files: files,
		log:   cfg.Logger.With().Str("component", "region-store").Logger(),
	}, nil
}

// Dir returns the region directory.
func (s *Store) Dir() string { return s.cfg.Dir }

// OpenFiles returns the number of cached open region files.
func (s *Store) OpenFiles() int { return s.files.Len() }

// Get returns the open region file for pos. With create false a missing
// file yields (nil, nil). The least recently used file is closed when the
// cache is full.
func (s *Store) Get(pos RegionPos, create bool) (*File, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if f, ok := s.files.Get(pos); ok {
		return f, nil
	}
	if !create {
		if _, err := os.Stat(pos.Path(s.cfg.Dir)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	}

	if s.files.Len() >= s.cfg.MaxOpenFiles {
		if old, f, ok := s.files.RemoveOldest(); ok {
			if err := f.Close(); err != nil {
				s.log.Error().Stringer("region", old).Err(err).Msg("close evicted region")
			}
			s.cfg.Metrics.RegionEvicted()
		}
	}

	f, err := OpenFile(s.cfg.Dir, pos, FileOptions{
		Compression:    s.cfg.Compression,
		MaxPayloadSize: s.cfg.MaxPayloadSize,
		Sync:           s.cfg.Sync,
		Logger:         s.cfg.Logger,
		Metrics:        s.cfg.Metrics,
		Clock:          s.cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	s.files.Add(pos, f)
	s.cfg.Metrics.SetOpenRegions(s.files.Len())
	return f, nil
}

// drop closes and forgets a cached file so the next access reopens it.
func (s *Store) drop(pos RegionPos) {
	f, ok := s.files.Peek(pos)
	if !ok {
		return
	}
	s.files.Remove(pos)
	if err := f.Close(); err != nil {
		s.log.Warn().Stringer("region", pos).Err(err).Msg("close failed region")
	}
	s.cfg.Metrics.SetOpenRegions(s.files.Len())
}

// Read returns the payload stored for pos, or nil when absent or corrupt.
func (s *Store) Read(pos ChunkPos) ([]byte, error) {
	f, err := s.Get(pos.Region(), false)
	if err == nil && f != nil {
		var data []byte
		data, err = f.Read(pos)
		if err == nil {
			s.checkPosition(pos, data)
			return data, nil
		}
	}
	if err != nil {
		s.cfg.Metrics.LoadFailure()
		s.cfg.Reporter.ChunkLoadFailed(pos, err)
		return nil, err
	}
	return nil, nil
}

func (s *Store) checkPosition(pos ChunkPos, data []byte) {
	if data == nil || s.cfg.Extractor == nil {
		return
	}
	actual, ok := s.cfg.Extractor(data)
	if !ok || actual == pos {
		return
	}
	s.cfg.Metrics.MisplacedChunk()
	s.cfg.Reporter.ChunkMisplaced(pos, actual)
}

// Exists reports whether a readable chunk is stored at pos.
func (s *Store) Exists(pos ChunkPos) (bool, error) {
	f, err := s.Get(pos.Region(), false)
	if err != nil || f == nil {
		return false, err
	}
	return f.Exists(pos)
}

// Scan streams the decompressed payload of pos into fn without
// materializing it. found is false, and fn not called, when absent.
func (s *Store) Scan(pos ChunkPos, fn func(r io.Reader) error) (found bool, err error) {
	f, err := s.Get(pos.Region(), false)
	if err != nil || f == nil {
		return false, err
	}
	rc, err := f.OpenReader(pos)
	if err != nil || rc == nil {
		return false, err
	}
	defer rc.Close()
	return true, fn(rc)
}

// Write stores data for pos; nil deletes. I/O failures are retried with
// the same payload; once retries are exhausted the failure goes to the
// reporter and is returned for this chunk only.
func (s *Store) Write(pos ChunkPos, data []byte) error {
	rpos := pos.Region()
	op := func() error {
		f, err := s.Get(rpos, data != nil)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		if f == nil {
			return nil // deleting from a region that does not exist
		}
		err = f.Write(pos, data)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrClosed), errors.Is(err, ErrUnknownFormat):
			return backoff.Permanent(err)
		default:
			s.drop(rpos)
			return err
		}
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(s.cfg.MaxRetries))
	}
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		s.cfg.Metrics.WriteRetry()
		s.log.Warn().Stringer("chunk", pos).Err(err).Dur("wait", wait).Msg("retrying chunk write")
	})
	if err != nil {
		s.cfg.Metrics.SaveFailure()
		s.cfg.Reporter.ChunkSaveFailed(pos, err)
		return fmt.Errorf("save chunk %s: %w", pos, err)
	}
	return nil
}

// Flush syncs every open region file.
func (s *Store) Flush() error {
	var errs []error
	for _, pos := range s.files.Keys() {
		f, ok := s.files.Peek(pos)
		if !ok {
			continue
		}
		if err := f.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", pos, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every open region file. The store is unusable afterwards.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, pos := range s.files.Keys() {
		f, ok := s.files.Peek(pos)
		if !ok {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pos, err))
		}
	}
	s.files.Purge()
	s.cfg.Metrics.SetOpenRegions(0)
	return errors.Join(errs...)
}

// ListRegions returns the regions that have a file in dir, sorted by x then z.
func ListRegions(dir string) ([]RegionPos, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []RegionPos
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if pos, ok := ParseRegionFileName(e.Name()); ok {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out, nil
}
