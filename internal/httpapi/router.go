package httpapi

import (
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/freeeve/worldstore/internal/ioworker"
	"github.com/freeeve/worldstore/internal/region"
)

// DefaultMaxBody caps uploaded chunk payloads.
const DefaultMaxBody = 64 << 20

// Handler serves chunk reads and writes through the I/O worker.
type Handler struct {
	worker  *ioworker.Worker
	log     zerolog.Logger
	maxBody int64
}

// NewRouter creates the HTTP router. gatherer may be nil to use the default
// Prometheus registry.
func NewRouter(log zerolog.Logger, worker *ioworker.Worker, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{
		worker:  worker,
		log:     log,
		maxBody: DefaultMaxBody,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /readyz", h.ready)
	mux.HandleFunc("GET /v1/chunks/{x}/{z}", h.getChunk)
	mux.HandleFunc("HEAD /v1/chunks/{x}/{z}", h.headChunk)
	mux.HandleFunc("PUT /v1/chunks/{x}/{z}", h.putChunk)
	mux.HandleFunc("DELETE /v1/chunks/{x}/{z}", h.deleteChunk)
	mux.HandleFunc("POST /v1/sync", h.sync)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(log, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ready fails once the worker has been closed.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.worker.Exists(region.ChunkPos{}).Wait(r.Context()); errors.Is(err, ioworker.ErrClosed) {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func chunkPos(r *http.Request) (region.ChunkPos, error) {
	x, err := strconv.ParseInt(r.PathValue("x"), 10, 32)
	if err != nil {
		return region.ChunkPos{}, errors.New("invalid x coordinate")
	}
	z, err := strconv.ParseInt(r.PathValue("z"), 10, 32)
	if err != nil {
		return region.ChunkPos{}, errors.New("invalid z coordinate")
	}
	return region.ChunkPos{X: int32(x), Z: int32(z)}, nil
}

func (h *Handler) getChunk(w http.ResponseWriter, r *http.Request) {
	pos, err := chunkPos(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := h.worker.Load(pos).Wait(r.Context())
	if err != nil {
		h.fail(w, r, "load chunk", err)
		return
	}
	if data == nil {
		http.Error(w, "chunk not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (h *Handler) headChunk(w http.ResponseWriter, r *http.Request) {
	pos, err := chunkPos(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ok, err := h.worker.Exists(pos).Wait(r.Context())
	if err != nil {
		h.log.Error().Err(err).Str("rid", GetRequestID(r.Context())).Msg("chunk exists")
		w.WriteHeader(statusFor(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) putChunk(w http.ResponseWriter, r *http.Request) {
	pos, err := chunkPos(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if data == nil {
		data = []byte{}
	}
	h.store(w, r, pos, data)
}

func (h *Handler) deleteChunk(w http.ResponseWriter, r *http.Request) {
	pos, err := chunkPos(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.store(w, r, pos, nil)
}

// store queues a write. With ?wait=true the response is sent once the
// write is on disk; otherwise 202 as soon as it is buffered.
func (h *Handler) store(w http.ResponseWriter, r *http.Request, pos region.ChunkPos, data []byte) {
	f := h.worker.Store(pos, data)
	if r.URL.Query().Get("wait") != "true" {
		select {
		case <-f.Done():
			if _, err := f.Wait(r.Context()); err != nil {
				h.fail(w, r, "store chunk", err)
				return
			}
		default:
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := f.Wait(r.Context()); err != nil {
		h.fail(w, r, "store chunk", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if _, err := h.worker.Synchronize(force).Wait(r.Context()); err != nil {
		h.fail(w, r, "synchronize", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.worker.Stats())
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	h.log.Error().Err(err).Str("rid", GetRequestID(r.Context())).Int("status", status).Msg(op)
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ioworker.ErrClosed), errors.Is(err, region.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, region.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
