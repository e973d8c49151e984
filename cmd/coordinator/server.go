package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/coordinator"
	"github.com/dreamware/replicad/internal/metrics"
	"github.com/dreamware/replicad/internal/replication"
	"github.com/dreamware/replicad/internal/storage"
)

// maxWait caps how long a request may block on ?wait=.
const maxWait = 10 * time.Minute

type server struct {
	mgr             *replication.Manager
	commands        *coordinator.CommandQueue
	health          *coordinator.HealthMonitor
	exclude         *coordinator.ExcludeWatcher
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	invalidateLimit int
}

func newServer(a *app) *server {
	return &server{
		mgr:             a.mgr,
		commands:        a.commands,
		health:          a.health,
		exclude:         a.exclude,
		metrics:         a.metrics,
		logger:          a.logger.With().Str("component", "http").Logger(),
		invalidateLimit: a.cfg.InvalidateLimit,
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	// Storage node protocol
	r.HandleFunc("/nodes/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/nodes/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/blocks/received", s.handleBlocksReceived).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/blocks/deleted", s.handleBlocksDeleted).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/blocks/report", s.handleBlockReport).Methods(http.MethodPost)

	// Node administration
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", s.handleRemoveNode).Methods(http.MethodDelete)
	r.HandleFunc("/nodes/{id}/decommission", s.handleDecommissionStatus).Methods(http.MethodGet)

	// Namespace callbacks
	r.HandleFunc("/blocks", s.handleAddBlock).Methods(http.MethodPost)
	r.HandleFunc("/blocks/{id}", s.handleGetBlock).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{id}", s.handleRemoveBlock).Methods(http.MethodDelete)
	r.HandleFunc("/blocks/{id}/replication", s.handleSetReplication).Methods(http.MethodPut)
	r.HandleFunc("/blocks/{id}/corrupt", s.handleMarkCorrupt).Methods(http.MethodPost)
	r.HandleFunc("/blocks/{id}/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/under-replicated/next", s.handleNextUnderReplicated).Methods(http.MethodGet)

	// Administration
	r.HandleFunc("/admin/refresh-nodes", s.handleRefreshNodes).Methods(http.MethodPost)
	r.HandleFunc("/admin/heartbeat-check", s.handleHeartbeatCheck).Methods(http.MethodPost)
	r.HandleFunc("/admin/metasave", s.handleMetasave).Methods(http.MethodPost)
	r.HandleFunc("/admin/metasave", s.handleListMetasaves).Methods(http.MethodGet)
	r.HandleFunc("/admin/metasave/{name}", s.handleGetMetasave).Methods(http.MethodGet)

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return r
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.ObserveRequest(route, rec.code, time.Since(start))
		s.logger.Debug().Str("method", r.Method).Str("route", route).Int("code", rec.code).
			Dur("took", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps manager errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, replication.ErrUnknownNode),
		errors.Is(err, replication.ErrUnknownBlock),
		errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, replication.ErrInvalidReplication),
		errors.Is(err, replication.ErrInvalidNode),
		errors.Is(err, storage.ErrInvalidName):
		code = http.StatusBadRequest
	case errors.Is(err, replication.ErrIllegalTransition),
		errors.Is(err, replication.ErrNotDecommissioning),
		errors.Is(err, replication.ErrDuplicateName),
		errors.Is(err, replication.ErrDecommissionCancelled):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), code)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func blockVar(w http.ResponseWriter, r *http.Request) (cluster.BlockID, bool) {
	id, err := cluster.ParseBlockID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func nodeVar(r *http.Request) cluster.NodeID {
	return cluster.NodeID(mux.Vars(r)["id"])
}

// waitParam parses ?wait= as a duration. Absent means no waiting.
func waitParam(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		http.Error(w, fmt.Sprintf("invalid wait %q", v), http.StatusBadRequest)
		return 0, false
	}
	return min(d, maxWait), true
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := s.mgr.Register(req.Node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.RegisterResponse{Node: info})
}

// handleHeartbeat records the heartbeat and returns the node's queued
// commands plus one batch of pending deletions.
func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		http.Error(w, "missing node_id", http.StatusBadRequest)
		return
	}
	if !s.mgr.ProcessHeartbeat(req) {
		writeJSON(w, http.StatusOK, cluster.HeartbeatResponse{})
		return
	}

	cmds := s.commands.Drain(req.NodeID)
	if blocks := s.mgr.PullInvalidations(req.NodeID, s.invalidateLimit); len(blocks) > 0 {
		cmds = append(cmds, cluster.Command{Type: cluster.CommandInvalidate, Blocks: blocks})
	}
	writeJSON(w, http.StatusOK, cluster.HeartbeatResponse{Commands: cmds})
}

func (s *server) handleBlocksReceived(w http.ResponseWriter, r *http.Request) {
	var rep cluster.IncrementalReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	s.mgr.ProcessIncrementalReport(nodeVar(r), cluster.IncrementalReport{Received: rep.Received})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleBlocksDeleted(w http.ResponseWriter, r *http.Request) {
	var rep cluster.IncrementalReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	s.mgr.ProcessIncrementalReport(nodeVar(r), cluster.IncrementalReport{Deleted: rep.Deleted})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleBlockReport(w http.ResponseWriter, r *http.Request) {
	var rep cluster.BlockReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	added, removed := s.mgr.ProcessBlockReport(nodeVar(r), rep)
	writeJSON(w, http.StatusOK, map[string]int{"added": added, "removed": removed})
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []replication.NodeStatus `json:"nodes"`
	}{Nodes: s.mgr.Nodes()})
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Node(nodeVar(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := nodeVar(r)
	if err := s.mgr.RemoveNode(id); err != nil {
		writeError(w, err)
		return
	}
	s.commands.Drop(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleDecommissionStatus reports draining progress. With ?wait= it first
// blocks until the node is decommissioned or the wait expires.
func (s *server) handleDecommissionStatus(w http.ResponseWriter, r *http.Request) {
	id := nodeVar(r)
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if err := s.mgr.WaitForDecommission(ctx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			writeError(w, err)
			return
		}
	}
	p, err := s.mgr.DecommissionStatus(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type addBlockRequest struct {
	Block       cluster.Block `json:"block"`
	Replication int           `json:"replication"`
}

func (s *server) handleAddBlock(w http.ResponseWriter, r *http.Request) {
	var req addBlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.mgr.AddBlock(req.Block, req.Replication); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.mgr.Block(req.Block.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := blockVar(w, r)
	if !ok {
		return
	}
	st, err := s.mgr.Block(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := blockVar(w, r)
	if !ok {
		return
	}
	if err := s.mgr.RemoveBlock(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setReplicationResponse struct {
	Block    cluster.BlockID          `json:"block"`
	Previous int                      `json:"previous"`
	Target   int                      `json:"target"`
	Count    replication.ReplicaCount `json:"count"`
	Reached  bool                     `json:"reached"`
}

// handleSetReplication changes a block's target. With ?wait= it blocks
// until the block has exactly the target number of live replicas and no
// excess replica left, or the wait expires.
func (s *server) handleSetReplication(w http.ResponseWriter, r *http.Request) {
	id, ok := blockVar(w, r)
	if !ok {
		return
	}
	wait, ok := waitParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Replication int `json:"replication"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	prev, err := s.mgr.SetReplicationFactor(id, req.Replication)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := setReplicationResponse{Block: id, Previous: prev, Target: req.Replication}
	reached := func(c replication.ReplicaCount) bool {
		return c.Live >= req.Replication && c.Excess == 0
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		count, err := s.mgr.WaitForBlock(ctx, id, reached)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			resp.Count = s.mgr.CountNodes(id)
			writeJSON(w, http.StatusAccepted, resp)
			return
		case err != nil:
			writeError(w, err)
			return
		}
		resp.Count = count
	} else {
		resp.Count = s.mgr.CountNodes(id)
	}
	resp.Reached = reached(resp.Count)
	writeJSON(w, http.StatusOK, resp)
}

type replicaRequest struct {
	Node cluster.NodeID `json:"node"`
}

func (s *server) handleMarkCorrupt(w http.ResponseWriter, r *http.Request) {
	id, ok := blockVar(w, r)
	if !ok {
		return
	}
	var req replicaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.mgr.MarkBlockAsCorrupt(id, req.Node); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := blockVar(w, r)
	if !ok {
		return
	}
	var req replicaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.mgr.AddBlockToInvalidates(cluster.Block{ID: id}, req.Node); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleNextUnderReplicated(w http.ResponseWriter, r *http.Request) {
	b, p, ok := s.mgr.NextUnderReplicatedBlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Block    cluster.Block        `json:"block"`
		Priority replication.Priority `json:"priority"`
	}{Block: b, Priority: p})
}

// handleRefreshNodes applies the exclude list in the body, or re-reads the
// exclude file when the body is empty.
func (s *server) handleRefreshNodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nodes []string `json:"nodes"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	switch {
	case errors.Is(err, io.EOF):
		if s.exclude == nil {
			http.Error(w, "no exclude file configured; send {\"nodes\": [...]}", http.StatusBadRequest)
			return
		}
		err = s.exclude.Reload()
	case err != nil:
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	default:
		err = s.mgr.RefreshExcludedNodes(req.Nodes)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Excluded []string `json:"excluded"`
	}{Excluded: s.mgr.ExcludedNodes()})
}

func (s *server) handleHeartbeatCheck(w http.ResponseWriter, r *http.Request) {
	dead := s.health.Sweep()
	if dead == nil {
		dead = []cluster.NodeID{}
	}
	writeJSON(w, http.StatusOK, struct {
		Dead []cluster.NodeID `json:"dead"`
	}{Dead: dead})
}

func (s *server) handleMetasave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = fmt.Sprintf("metasave-%d.txt", time.Now().UnixNano())
	}
	if err := s.mgr.MetadataSnapshot(req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *server) handleListMetasaves(w http.ResponseWriter, r *http.Request) {
	names, err := s.mgr.Dumps().List()
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"names": names})
}

func (s *server) handleGetMetasave(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := storage.ValidName(name); err != nil {
		writeError(w, err)
		return
	}
	data, err := s.mgr.Dumps().Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Stats())
}
