package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/shery7378/multifront-sub002/gateway"
	"github.com/shery7378/multifront-sub002/lifecycle"
	"github.com/shery7378/multifront-sub002/offline"
	"github.com/shery7378/multifront-sub002/store/localdb"
	"github.com/shery7378/multifront-sub002/syncer"
	"github.com/shery7378/multifront-sub002/worker"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes an optional JSON body into v. An empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// readRecord decodes an optional JSON object body into a store record,
// keeping numbers exact.
func readRecord(w http.ResponseWriter, r *http.Request) (localdb.Record, bool) {
	var raw json.RawMessage
	if !readJSON(w, r, &raw) {
		return nil, false
	}
	if len(raw) == 0 {
		return nil, true
	}
	rec, err := localdb.ParseRecord(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return rec, true
}

// dispatch runs one lifecycle event and maps dispatcher failures to a status.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev *worker.Event) (any, bool) {
	res, err := s.dispatcher.Dispatch(r.Context(), ev)
	switch {
	case err == nil:
		return res, true
	case errors.Is(err, worker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Warn("event failed", "kind", ev.Kind, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
	return nil, false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Version        string          `json:"version"`
	State          lifecycle.State `json:"state"`
	Online         bool            `json:"online"`
	OnlineSince    time.Time       `json:"online_since"`
	PendingActions int             `json:"pending_actions"`
	Store          map[string]int  `json:"store"`
	Partitions     map[string]int  `json:"partitions"`
	Clients        int             `json:"clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.local.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	partitions, err := s.partitionCounts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Version:        s.config.CacheVersion,
		State:          s.controller.State(),
		Online:         s.monitor.Online(),
		OnlineSince:    s.monitor.Since(),
		PendingActions: len(pending),
		Store:          counts,
		Partitions:     partitions,
		Clients:        s.clients.Count(),
	})
}

func (s *Server) partitionCounts(ctx context.Context) (map[string]int, error) {
	names, err := s.cache.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(names))
	for _, name := range names {
		n, err := s.cache.Count(name)
		if err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, nil
}

type partitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	counts, err := s.partitionCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	current := s.gateway.Partitions()

	list := make([]partitionInfo, 0, len(counts))
	for name, n := range counts {
		list = append(list, partitionInfo{Name: name, Entries: n, Current: current.Contains(name)})
	}
	slices.SortFunc(list, func(a, b partitionInfo) int { return cmp.Compare(a.Name, b.Name) })

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    current.Version,
		"state":      s.controller.State(),
		"whitelist":  current.Whitelist(),
		"partitions": list,
	})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	res, ok := s.dispatch(w, r, &worker.Event{Kind: worker.KindInstall})
	if ok {
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	res, ok := s.dispatch(w, r, &worker.Event{Kind: worker.KindActivate})
	if ok {
		deleted, _ := res.([]string)
		if deleted == nil {
			deleted = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg json.RawMessage
	if !readJSON(w, r, &msg) {
		return
	}
	if len(msg) == 0 {
		writeError(w, http.StatusBadRequest, "message body required")
		return
	}
	res, ok := s.dispatch(w, r, &worker.Event{Kind: worker.KindMessage, Data: msg})
	if ok {
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	res, ok := s.dispatch(w, r, &worker.Event{Kind: worker.KindPush, Data: payload})
	if ok {
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	res, ok := s.dispatch(w, r, &worker.Event{Kind: worker.KindNotificationClick, URL: body.URL})
	if ok {
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleBackgroundSync(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Tag string `json:"tag"`
	}{Tag: lifecycle.SyncTag}
	if !readJSON(w, r, &body) {
		return
	}
	res, ok := s.dispatch(w, r, &worker.Event{Kind: worker.KindSync, Tag: body.Tag})
	if !ok {
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]any{"handled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handled": true, "result": res})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status := offline.Status(r.URL.Query().Get("status")); status != "" {
		actions = slices.DeleteFunc(actions, func(a offline.Action) bool { return a.Status != status })
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleEnqueueAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type offline.ActionType `json:"type"`
		Data json.RawMessage    `json:"data"`
	}
	if !readJSON(w, r, &body) {
		return
	}

	action, err := s.queue.Enqueue(r.Context(), body.Type, body.Data)
	if err != nil {
		var fields offline.ValidationErrors
		switch {
		case errors.As(err, &fields):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "fields": fields})
		case errors.Is(err, offline.ErrUnknownActionType), errors.Is(err, offline.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("action not saved", "type", body.Type, "error", err)
			writeError(w, http.StatusInternalServerError, "action not saved")
		}
		return
	}

	if s.monitor.Online() {
		s.engine.Trigger("enqueue")
	}
	writeJSON(w, http.StatusCreated, action)
}

func (s *Server) handleClearActions(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Sync(syncer.WithTrigger(r.Context(), "manual"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) connectivityState() map[string]any {
	return map[string]any{"online": s.monitor.Online(), "since": s.monitor.Since()}
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectivityState())
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.monitor.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, s.connectivityState())
}

// storeKey converts a path key into the partition's primary key type.
func storeKey(partition, raw string) (any, error) {
	p, ok := localdb.LookupPartition(partition)
	if !ok {
		return nil, localdb.ErrUnknownPartition
	}
	if !p.AutoIncrement {
		return raw, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, localdb.ErrMissingKey
	}
	return id, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, localdb.ErrNotFound), errors.Is(err, localdb.ErrUnknownPartition):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, localdb.ErrMissingKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, localdb.ErrQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStoreList(w http.ResponseWriter, r *http.Request) {
	records, err := s.local.GetAll(r.Context(), r.PathValue("partition"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStoreAdd(w http.ResponseWriter, r *http.Request) {
	rec, ok := readRecord(w, r)
	if !ok {
		return
	}
	if rec == nil {
		writeError(w, http.StatusBadRequest, "record body required")
		return
	}
	stored, err := s.local.Add(r.Context(), r.PathValue("partition"), rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleStoreClear(w http.ResponseWriter, r *http.Request) {
	if err := s.local.Clear(r.Context(), r.PathValue("partition")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStoreGet(w http.ResponseWriter, r *http.Request) {
	partition := r.PathValue("partition")
	key, err := storeKey(partition, r.PathValue("key"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rec, err := s.local.Get(r.Context(), partition, key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStoreUpdate(w http.ResponseWriter, r *http.Request) {
	partition := r.PathValue("partition")
	key, err := storeKey(partition, r.PathValue("key"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	patch, ok := readRecord(w, r)
	if !ok {
		return
	}
	rec, err := s.local.Update(r.Context(), partition, key, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rec == nil {
		writeStoreError(w, localdb.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	partition := r.PathValue("partition")
	key, err := storeKey(partition, r.PathValue("key"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.local.Delete(r.Context(), partition, key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

// fetchEvent is the worker's fetch handler. Requests the gateway would only
// pass through are declined so they reach the network untouched.
func (s *Server) fetchEvent(ctx context.Context, ev *worker.Event) (any, error) {
	if s.gateway.Router().Classify(ev.Request).Strategy == gateway.PassThrough {
		return nil, worker.ErrPassThrough
	}
	return s.gateway.Fetch(ctx, ev.Request)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Dispatch(r.Context(), &worker.Event{Kind: worker.KindFetch, Request: r})
	switch {
	case errors.Is(err, worker.ErrPassThrough):
		s.gateway.ServeHTTP(w, r)
	case err != nil:
		s.gateway.WriteError(w, r, err)
	default:
		s.gateway.WriteResponse(w, r, res.(*gateway.Response))
	}
}
