package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/litetable/litetable-stream/internal/checkpoint"
	"github.com/litetable/litetable-stream/internal/record"
	"github.com/litetable/litetable-stream/internal/storage"
	"github.com/rs/zerolog/log"
)

// Reader is the read side of the table.
type Reader interface {
	TableName() string
	Get(key string) (storage.Entry, bool)
	Len() int
	Tombstones() int
	Scan(pattern string) []storage.Entry
}

// Checkpoints reports the coordinator's progress.
type Checkpoints interface {
	Barriers() []checkpoint.Barrier
	LastCommitted() storage.CommitPoint
}

type handlers struct {
	table       Reader
	checkpoints Checkpoints
}

type recordResponse struct {
	Key       string                 `json:"key"`
	Partition string                 `json:"partition"`
	Order     time.Time              `json:"order"`
	Barrier   uint64                 `json:"barrier"`
	Fields    map[string]interface{} `json:"fields"`
}

type scanResponse struct {
	Count   int              `json:"count"`
	Records []recordResponse `json:"records"`
}

type statsResponse struct {
	Table      string              `json:"table"`
	Live       int                 `json:"live"`
	Tombstones int                 `json:"tombstones"`
	LastCommit storage.CommitPoint `json:"lastCommit"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Table:      h.table.TableName(),
		Live:       h.table.Len(),
		Tombstones: h.table.Tombstones(),
		LastCommit: h.checkpoints.LastCommitted(),
	})
}

func (h *handlers) listCheckpoints(w http.ResponseWriter, _ *http.Request) {
	barriers := h.checkpoints.Barriers()
	if barriers == nil {
		barriers = []checkpoint.Barrier{}
	}
	writeJSON(w, http.StatusOK, barriers)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	e, ok := h.table.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "key not found: " + key})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(e))
}

// scan lists live records matching ?match= (glob, default *), at most ?limit= of them.
func (h *handlers) scan(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("match")
	if pattern == "" {
		pattern = "*"
	}

	limit := -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries := h.table.Scan(pattern)
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	resp := scanResponse{Count: len(entries), Records: make([]recordResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Records = append(resp.Records, toResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toResponse(e storage.Entry) recordResponse {
	fields := make(map[string]interface{}, len(e.Payload))
	for name, v := range e.Payload {
		fields[name] = plain(v)
	}
	return recordResponse{
		Key:       e.Key,
		Partition: e.Partition,
		Order:     e.Order,
		Barrier:   e.Barrier,
		Fields:    fields,
	}
}

// plain unwraps a value for JSON output.
func plain(v record.Value) interface{} {
	switch v.Kind() {
	case record.KindString:
		return v.Str()
	case record.KindInt:
		return v.Int()
	case record.KindFloat:
		return v.Float()
	case record.KindBool:
		return v.Bool()
	case record.KindTime:
		return v.Time()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
