package runtime

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/apierr"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

const maxRequestBody = 4 << 20

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("POST /v1/narrate", r.handleNarrate)
	mux.HandleFunc("POST /v1/narrate/cancel", r.handleCancel)
	mux.HandleFunc("GET /v1/narrate/current", r.handleCurrent)
	mux.Handle("GET /v1/narrate/ws", r.hub)
	mux.HandleFunc("GET /v1/runs", r.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", r.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/audio", r.handleRunAudio)
	mux.HandleFunc("GET /v1/requests/{id}/events", r.handleRequestEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) && r.narrator.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleNarrate(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body exceeds "+humanize.IBytes(maxRequestBody)))
		return
	}
	var narrate protocol.NarrateRequest
	if err := protocol.Decode(body, &narrate); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply, err := r.narrator.Narrate(req.Context(), narrate)
	if err != nil {
		status := http.StatusInternalServerError
		var cfgErr *apierr.ConfigurationError
		if errors.As(err, &cfgErr) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, reply)
		return
	}
	writeJSON(w, http.StatusAccepted, reply)
}

func (r *Runtime) handleCancel(w http.ResponseWriter, _ *http.Request) {
	r.narrator.CancelCurrent()
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	id := r.orchestrator.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     uint64(id),
		"request_id": r.narrator.RequestID(id),
		"active":     id != 0,
	})
}

func (r *Runtime) handleListRuns(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	runs, err := r.store.ListRuns(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []eventstore.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (r *Runtime) loadRun(w http.ResponseWriter, req *http.Request) (eventstore.Run, bool) {
	run, err := r.store.GetRun(req.Context(), req.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return run, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return run, false
	}
	return run, true
}

func (r *Runtime) handleGetRun(w http.ResponseWriter, req *http.Request) {
	run, ok := r.loadRun(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunAudio serves the recorded PCM as a WAV file.
func (r *Runtime) handleRunAudio(w http.ResponseWriter, req *http.Request) {
	run, ok := r.loadRun(w, req)
	if !ok {
		return
	}
	if len(run.Audio) == 0 {
		writeError(w, http.StatusNotFound, errors.New("run has no stored audio"))
		return
	}
	format := playback.Format{SampleRate: run.SampleRate, Channels: run.Channels, BitDepth: run.BitDepth}
	data, err := playback.EncodeWAV(run.Audio, format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.logger.Debug("serving run audio",
		slog.String("run", run.ID),
		slog.String("size", humanize.IBytes(uint64(len(run.Audio)))))
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, req, run.ID+".wav", run.FinishedAt, bytes.NewReader(data))
}

func (r *Runtime) handleRequestEvents(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListRunEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type event struct {
		Type      string `json:"type"`
		TraceID   string `json:"trace_id,omitempty"`
		Payload   string `json:"payload,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]event, 0, len(events))
	for _, e := range events {
		out = append(out, event{Type: e.Type, TraceID: e.TraceID, Payload: string(e.Payload), CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00")})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
