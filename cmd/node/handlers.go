package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/volume"
)

// maxBlockSize caps a single replica upload.
const maxBlockSize = 256 << 20

func (a *Agent) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/blocks", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{id}", a.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/blocks/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{id}", a.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/info", a.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func blockID(w http.ResponseWriter, r *http.Request) (cluster.BlockID, bool) {
	id, err := cluster.ParseBlockID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// handlePut stores a replica. The generation comes from the X-Gen-Stamp
// header and defaults to 0.
func (a *Agent) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := blockID(w, r)
	if !ok {
		return
	}
	var gs uint64
	if v := r.Header.Get(genStampHeader); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid "+genStampHeader, http.StatusBadRequest)
			return
		}
		gs = n
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlockSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) > maxBlockSize {
		http.Error(w, "block larger than "+humanize.IBytes(maxBlockSize), http.StatusRequestEntityTooLarge)
		return
	}

	b, err := a.Store(r.Context(), cluster.Block{ID: id, GenStamp: gs}, data)
	switch {
	case errors.Is(err, volume.ErrStaleGenStamp):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, volume.ErrNoSpace):
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *Agent) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := blockID(w, r)
	if !ok {
		return
	}
	b, data, err := a.vol.Get(id)
	if errors.Is(err, volume.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(genStampHeader, strconv.FormatUint(b.GenStamp, 10))
	_, _ = w.Write(data)
}

func (a *Agent) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := blockID(w, r)
	if !ok {
		return
	}
	held, err := a.Remove(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !held {
		http.Error(w, "replica not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleList(w http.ResponseWriter, r *http.Request) {
	blocks := a.vol.Blocks()
	writeJSON(w, http.StatusOK, struct {
		Blocks []cluster.Block `json:"blocks"`
		Count  int             `json:"count"`
	}{Blocks: blocks, Count: len(blocks)})
}

func (a *Agent) handleInfo(w http.ResponseWriter, r *http.Request) {
	st := a.vol.Stats()
	writeJSON(w, http.StatusOK, struct {
		Node  cluster.NodeInfo `json:"node"`
		Stats volume.Stats     `json:"stats"`
		Used  string           `json:"used"`
	}{Node: a.Info(), Stats: st, Used: humanize.IBytes(uint64(st.Capacity.Used))})
}
