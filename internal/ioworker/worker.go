// Package ioworker serializes chunk I/O onto a single goroutine. Writes are
// buffered per chunk and coalesced: a newer payload for a chunk replaces the
// buffered one, so at most the latest value reaches disk.
package ioworker

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/worldstore/internal/metrics"
	"github.com/freeeve/worldstore/internal/region"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("ioworker: closed")

// Backend is the storage the worker drives. *region.Store implements it.
// The worker only calls it from its own goroutine.
type Backend interface {
	Read(pos region.ChunkPos) ([]byte, error)
	Write(pos region.ChunkPos, data []byte) error
	Exists(pos region.ChunkPos) (bool, error)
	Scan(pos region.ChunkPos, fn func(r io.Reader) error) (bool, error)
	Flush() error
	Close() error
}

// Config configures a Worker.
type Config struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type band int

const (
	foreground band = iota
	background
	shutdown
	numBands
)

var bandNames = [numBands]string{"foreground", "background", "shutdown"}

type pendingWrite struct {
	data    []byte // nil deletes
	waiters []*Future[struct{}]
}

// Worker owns a Backend and runs every operation on it from one consumer
// goroutine. Tasks are taken from the foreground band first, then
// background, then shutdown.
type Worker struct {
	backend Backend
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numBands][]func()
	closing bool // Close called, external submissions rejected
	stopped bool // consumer exited
	done    chan struct{}

	// Owned by the consumer goroutine.
	pending  map[region.ChunkPos]*pendingWrite
	order    []region.ChunkPos // insertion order of pending keys
	draining bool              // a storePending task is queued

	pendingCount atomic.Int64
}

// New starts a worker over backend.
func New(backend Backend, cfg Config) *Worker {
	w := &Worker{
		backend: backend,
		log:     cfg.Logger.With().Str("component", "ioworker").Logger(),
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
		pending: make(map[region.ChunkPos]*pendingWrite),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		task, ok := w.next()
		if !ok {
			return
		}
		task()
	}
}

func (w *Worker) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.stopped {
			return nil, false
		}
		for b := range w.queues {
			if q := w.queues[b]; len(q) > 0 {
				task := q[0]
				q[0] = nil
				w.queues[b] = q[1:]
				w.metrics.SetQueueDepth(bandNames[b], len(w.queues[b]))
				return task, true
			}
		}
		w.cond.Wait()
	}
}

// submit queues task. External submissions fail once Close has been
// called; internal ones (from the consumer or its helpers) are accepted
// until the consumer stops.
func (w *Worker) submit(b band, task func(), internal bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || (w.closing && !internal) {
		return false
	}
	w.queues[b] = append(w.queues[b], task)
	w.metrics.SetQueueDepth(bandNames[b], len(w.queues[b]))
	w.cond.Signal()
	return true
}

// Store buffers data as the latest value for pos; nil deletes the chunk.
// The future completes when that value, or a later one for the same chunk,
// has been written.
func (w *Worker) Store(pos region.ChunkPos, data []byte) *Future[struct{}] {
	f := newFuture[struct{}]()
	data = bytes.Clone(data)
	ok := w.submit(foreground, func() {
		p, exists := w.pending[pos]
		if !exists {
			p = &pendingWrite{}
			w.pending[pos] = p
			w.order = append(w.order, pos)
		}
		p.data = data
		p.waiters = append(p.waiters, f)
		w.setPending()
		if !w.draining {
			w.draining = true
			w.submit(background, w.storePending, true)
		}
	}, false)
	if !ok {
		f.resolve(struct{}{}, ErrClosed)
	}
	return f
}

// storePending writes the oldest buffered chunk and requeues itself while
// writes remain, yielding to foreground work between chunks.
func (w *Worker) storePending() {
	if len(w.order) == 0 {
		w.draining = false
		return
	}
	pos := w.order[0]
	w.order = w.order[1:]
	p := w.pending[pos]
	delete(w.pending, pos)
	w.setPending()

	start := time.Now()
	err := w.backend.Write(pos, p.data)
	w.metrics.ObserveStore(time.Since(start))
	if err != nil {
		w.log.Error().Int32("chunk_x", pos.X).Int32("chunk_z", pos.Z).Err(err).Msg("store chunk")
	}
	for _, f := range p.waiters {
		f.resolve(struct{}{}, err)
	}
	if len(w.order) > 0 {
		w.submit(background, w.storePending, true)
	} else {
		w.draining = false
	}
}

func (w *Worker) setPending() {
	w.pendingCount.Store(int64(len(w.pending)))
	w.metrics.SetPendingWrites(len(w.pending))
}

// Load returns the payload for pos, or nil when absent. A buffered write
// wins over what is on disk.
func (w *Worker) Load(pos region.ChunkPos) *Future[[]byte] {
	f := newFuture[[]byte]()
	ok := w.submit(foreground, func() {
		if p, exists := w.pending[pos]; exists {
			f.resolve(bytes.Clone(p.data), nil)
			return
		}
		data, err := w.backend.Read(pos)
		f.resolve(data, err)
	}, false)
	if !ok {
		return failed[[]byte](ErrClosed)
	}
	return f
}

// Exists reports whether a payload is buffered or stored for pos.
func (w *Worker) Exists(pos region.ChunkPos) *Future[bool] {
	f := newFuture[bool]()
	ok := w.submit(foreground, func() {
		if p, exists := w.pending[pos]; exists {
			f.resolve(p.data != nil, nil)
			return
		}
		found, err := w.backend.Exists(pos)
		f.resolve(found, err)
	}, false)
	if !ok {
		return failed[bool](ErrClosed)
	}
	return f
}

// Scan passes the payload for pos to fn as a stream, on the worker
// goroutine. fn must not call back into the worker. The future reports
// whether a payload was found.
func (w *Worker) Scan(pos region.ChunkPos, fn func(r io.Reader) error) *Future[bool] {
	f := newFuture[bool]()
	ok := w.submit(foreground, func() {
		if p, exists := w.pending[pos]; exists {
			if p.data == nil {
				f.resolve(false, nil)
				return
			}
			f.resolve(true, fn(bytes.NewReader(p.data)))
			return
		}
		found, err := w.backend.Scan(pos, fn)
		f.resolve(found, err)
	}, false)
	if !ok {
		return failed[bool](ErrClosed)
	}
	return f
}

// Synchronize completes once every write buffered before the call has been
// written. With force the backend is flushed to stable storage afterwards.
// Write errors of those chunks are joined into the result.
func (w *Worker) Synchronize(force bool) *Future[struct{}] {
	f := newFuture[struct{}]()
	ok := w.submit(foreground, func() {
		barriers := make([]*Future[struct{}], 0, len(w.pending))
		for _, pos := range w.order {
			b := newFuture[struct{}]()
			p := w.pending[pos]
			p.waiters = append(p.waiters, b)
			barriers = append(barriers, b)
		}
		go w.finishSync(f, barriers, force)
	}, false)
	if !ok {
		f.resolve(struct{}{}, ErrClosed)
	}
	return f
}

func (w *Worker) finishSync(f *Future[struct{}], barriers []*Future[struct{}], force bool) {
	var errs []error
	for _, b := range barriers {
		<-b.Done()
		if b.err != nil {
			errs = append(errs, b.err)
		}
	}
	writeErr := errors.Join(errs...)
	if !force {
		f.resolve(struct{}{}, writeErr)
		return
	}
	ok := w.submit(foreground, func() {
		f.resolve(struct{}{}, errors.Join(writeErr, w.backend.Flush()))
	}, true)
	if !ok {
		// Stopped: Close syncs as it closes the backend.
		f.resolve(struct{}{}, writeErr)
	}
}

// Stats is a point-in-time view of the worker queues.
type Stats struct {
	PendingWrites int            `json:"pending_writes"`
	Queued        map[string]int `json:"queued"`
}

// Stats returns the current queue sizes.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		PendingWrites: int(w.pendingCount.Load()),
		Queued:        make(map[string]int, numBands),
	}
	for b := range w.queues {
		s.Queued[bandNames[b]] = len(w.queues[b])
	}
	return s
}

// Close waits for all queued work, including buffered writes, then closes
// the backend and stops the consumer. Calls after the first return
// ErrClosed.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closing = true
	result := newFuture[struct{}]()
	w.queues[shutdown] = append(w.queues[shutdown], func() {
		// A forced Synchronize may queue its flush while we get here.
		w.mu.Lock()
		w.stopped = true
		rest := w.queues
		w.queues = [numBands][]func(){}
		w.mu.Unlock()
		for _, q := range rest {
			for _, task := range q {
				task()
			}
		}
		result.resolve(struct{}{}, w.backend.Close())
	})
	w.cond.Signal()
	w.mu.Unlock()

	<-result.Done()
	<-w.done
	if result.err != nil {
		w.log.Error().Err(result.err).Msg("close backend")
	}
	return result.err
}
