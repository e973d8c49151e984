package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/storage"
	"github.com/dreamware/replicad/internal/volume"
)

// protocolCalls is what agents sent to the fake coordinator
type protocolCalls struct {
	registrations []cluster.NodeInfo
	heartbeats    []cluster.HeartbeatRequest
	reports       map[cluster.NodeID][]cluster.BlockReport
	received      map[cluster.NodeID][]cluster.Block
	deleted       map[cluster.NodeID][]cluster.BlockID
}

// fakeCoordinator records the protocol calls agents make
type fakeCoordinator struct {
	mu sync.Mutex
	protocolCalls
	commands      []cluster.Command // handed out on the next heartbeat
	heartbeatCode int

	srv *httptest.Server
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	f := &fakeCoordinator{
		protocolCalls: protocolCalls{
			reports:  make(map[cluster.NodeID][]cluster.BlockReport),
			received: make(map[cluster.NodeID][]cluster.Block),
			deleted:  make(map[cluster.NodeID][]cluster.BlockID),
		},
		heartbeatCode: http.StatusOK,
	}
	r := mux.NewRouter()
	r.HandleFunc("/nodes/register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Node.ID == "" {
			req.Node.ID = "assigned-1"
		}
		f.mu.Lock()
		f.registrations = append(f.registrations, req.Node)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, cluster.RegisterResponse{Node: req.Node})
	})
	r.HandleFunc("/nodes/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.HeartbeatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.heartbeats = append(f.heartbeats, req)
		if f.heartbeatCode != http.StatusOK {
			http.Error(w, "rejected", f.heartbeatCode)
			return
		}
		cmds := f.commands
		f.commands = nil
		writeJSON(w, http.StatusOK, cluster.HeartbeatResponse{Commands: cmds})
	})
	r.HandleFunc("/nodes/{id}/blocks/report", func(w http.ResponseWriter, r *http.Request) {
		var rep cluster.BlockReport
		_ = json.NewDecoder(r.Body).Decode(&rep)
		id := cluster.NodeID(mux.Vars(r)["id"])
		f.mu.Lock()
		f.reports[id] = append(f.reports[id], rep)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]int{"added": len(rep.Blocks), "removed": 0})
	})
	r.HandleFunc("/nodes/{id}/blocks/{kind:received|deleted}", func(w http.ResponseWriter, r *http.Request) {
		var rep cluster.IncrementalReport
		_ = json.NewDecoder(r.Body).Decode(&rep)
		id := cluster.NodeID(mux.Vars(r)["id"])
		f.mu.Lock()
		f.received[id] = append(f.received[id], rep.Received...)
		f.deleted[id] = append(f.deleted[id], rep.Deleted...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCoordinator) push(cmds ...cluster.Command) {
	f.mu.Lock()
	f.commands = append(f.commands, cmds...)
	f.mu.Unlock()
}

func (f *fakeCoordinator) snapshot() protocolCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocolCalls{
		registrations: append([]cluster.NodeInfo(nil), f.registrations...),
		heartbeats:    append([]cluster.HeartbeatRequest(nil), f.heartbeats...),
		reports:       copyMap(f.reports),
		received:      copyMap(f.received),
		deleted:       copyMap(f.deleted),
	}
}

func copyMap[V any](m map[cluster.NodeID][]V) map[cluster.NodeID][]V {
	out := make(map[cluster.NodeID][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}

func newTestAgent(t *testing.T, coord *fakeCoordinator, id cluster.NodeID, clk clock.Clock) *Agent {
	t.Helper()
	vol, err := volume.Open(storage.NewMemoryStore(), 0)
	require.NoError(t, err)
	a := NewAgent(cluster.NodeInfo{ID: id, Name: string(id) + ":9866"}, coord.srv.URL, vol, clk,
		time.Second, zerolog.Nop())
	a.registerTimeout = time.Second
	return a
}

// TestAgentRegister tests registration followed by a full block report
func TestAgentRegister(t *testing.T) {
	coord := newFakeCoordinator(t)
	a := newTestAgent(t, coord, "", clock.NewMock())
	_, err := a.vol.Put(cluster.Block{ID: 2, GenStamp: 7}, []byte("bb"))
	require.NoError(t, err)
	_, err = a.vol.Put(cluster.Block{ID: 1, GenStamp: 3}, []byte("a"))
	require.NoError(t, err)

	require.NoError(t, a.Register(context.Background()))
	assert.Equal(t, cluster.NodeID("assigned-1"), a.Info().ID)

	got := coord.snapshot()
	require.Len(t, got.registrations, 1)
	assert.Equal(t, int64(3), got.registrations[0].Capacity.Used)
	require.Len(t, got.reports["assigned-1"], 1)
	assert.Equal(t, []cluster.Block{
		{ID: 1, GenStamp: 3, NumBytes: 1},
		{ID: 2, GenStamp: 7, NumBytes: 2},
	}, got.reports["assigned-1"][0].Blocks)
}

// TestAgentRegisterRejected tests that 4xx responses are not retried
func TestAgentRegisterRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	vol, err := volume.Open(storage.NewMemoryStore(), 0)
	require.NoError(t, err)
	a := NewAgent(cluster.NodeInfo{ID: "dn1"}, srv.URL, vol, clock.NewMock(), time.Second, zerolog.Nop())

	start := time.Now()
	err = a.Register(context.Background())
	var se *cluster.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// TestAgentInvalidate tests deletion commands and the deleted report
func TestAgentInvalidate(t *testing.T) {
	coord := newFakeCoordinator(t)
	a := newTestAgent(t, coord, "dn1", clock.NewMock())
	_, err := a.vol.Put(cluster.Block{ID: 1}, []byte("x"))
	require.NoError(t, err)
	_, err = a.vol.Put(cluster.Block{ID: 2}, []byte("y"))
	require.NoError(t, err)

	coord.push(cluster.Command{Type: cluster.CommandInvalidate, Blocks: []cluster.Block{{ID: 1}, {ID: 99}}})
	require.NoError(t, a.Heartbeat(context.Background()))

	assert.False(t, a.vol.Has(1))
	assert.True(t, a.vol.Has(2))
	got := coord.snapshot()
	assert.Equal(t, []cluster.BlockID{1, 99}, got.deleted["dn1"], "replicas already gone are reported too")
	require.Len(t, got.heartbeats, 1)
	assert.Equal(t, int64(2), got.heartbeats[0].Capacity.Used, "usage is sampled before commands run")

	require.NoError(t, a.Heartbeat(context.Background()))
	got = coord.snapshot()
	require.Len(t, got.heartbeats, 2)
	assert.Equal(t, int64(1), got.heartbeats[1].Capacity.Used)
}

// TestAgentReplicate tests copying a replica to a peer node
func TestAgentReplicate(t *testing.T) {
	coord := newFakeCoordinator(t)
	src := newTestAgent(t, coord, "dn1", clock.NewMock())
	dst := newTestAgent(t, coord, "dn2", clock.NewMock())
	dstSrv := httptest.NewServer(dst.routes())
	t.Cleanup(dstSrv.Close)

	_, err := src.vol.Put(cluster.Block{ID: 5, GenStamp: 3}, []byte("payload"))
	require.NoError(t, err)

	target := cluster.NodeInfo{ID: "dn2", Name: strings.TrimPrefix(dstSrv.URL, "http://")}
	coord.push(cluster.Command{
		Type:    cluster.CommandReplicate,
		Blocks:  []cluster.Block{{ID: 5}},
		Targets: []cluster.NodeInfo{target},
	})
	require.NoError(t, src.Heartbeat(context.Background()))

	b, data, err := dst.vol.Get(5)
	require.NoError(t, err)
	assert.Equal(t, cluster.Block{ID: 5, GenStamp: 3, NumBytes: 7}, b)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, []cluster.Block{b}, coord.snapshot().received["dn2"])

	t.Run("missing source replica", func(t *testing.T) {
		err := src.Execute(context.Background(), cluster.Command{
			Type: cluster.CommandReplicate, Blocks: []cluster.Block{{ID: 6}}, Targets: []cluster.NodeInfo{target},
		})
		assert.ErrorIs(t, err, volume.ErrNotFound)
	})

	t.Run("unreachable target", func(t *testing.T) {
		err := src.Execute(context.Background(), cluster.Command{
			Type: cluster.CommandReplicate, Blocks: []cluster.Block{{ID: 5}},
			Targets: []cluster.NodeInfo{{ID: "gone", Name: "127.0.0.1:1"}},
		})
		assert.ErrorContains(t, err, "copy blk_5 to gone")
	})

	t.Run("unknown command", func(t *testing.T) {
		assert.Error(t, src.Execute(context.Background(), cluster.Command{Type: "defrag"}))
	})
}

// TestAgentRun tests heartbeating on the ticker and re-registering when
// the control plane no longer knows the node
func TestAgentRun(t *testing.T) {
	coord := newFakeCoordinator(t)
	mock := clock.NewMock()
	a := newTestAgent(t, coord, "dn1", mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(coord.snapshot().heartbeats) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	coord.mu.Lock()
	coord.heartbeatCode = http.StatusNotFound
	coord.mu.Unlock()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(coord.snapshot().registrations) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestNodeHandlers tests the replica HTTP API
func TestNodeHandlers(t *testing.T) {
	coord := newFakeCoordinator(t)
	vol, err := volume.Open(storage.NewMemoryStore(), 16)
	require.NoError(t, err)
	a := NewAgent(cluster.NodeInfo{ID: "dn1", Name: "dn1:9866"}, coord.srv.URL, vol, clock.NewMock(), time.Second, zerolog.Nop())
	h := a.routes()

	do := func(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPut, "/blocks/blk_4", []byte("four"), map[string]string{genStampHeader: "10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":4,"gen_stamp":10,"num_bytes":4}`, rec.Body.String())
	assert.Equal(t, []cluster.Block{{ID: 4, GenStamp: 10, NumBytes: 4}}, coord.snapshot().received["dn1"])

	rec = do(http.MethodGet, "/blocks/4", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "four", rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get(genStampHeader))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header map[string]string
		want   int
	}{
		{"stale generation", http.MethodPut, "/blocks/4", "old", map[string]string{genStampHeader: "9"}, http.StatusConflict},
		{"bad generation", http.MethodPut, "/blocks/4", "x", map[string]string{genStampHeader: "abc"}, http.StatusBadRequest},
		{"volume full", http.MethodPut, "/blocks/5", strings.Repeat("z", 13), nil, http.StatusInsufficientStorage},
		{"bad id", http.MethodGet, "/blocks/four", "", nil, http.StatusBadRequest},
		{"missing replica", http.MethodGet, "/blocks/8", "", nil, http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/blocks/8", "", nil, http.StatusNotFound},
		{"health", http.MethodGet, "/health", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(tt.method, tt.path, []byte(tt.body), tt.header)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec = do(http.MethodGet, "/blocks", nil, nil)
	assert.JSONEq(t, `{"blocks":[{"id":4,"gen_stamp":10,"num_bytes":4}],"count":1}`, rec.Body.String())

	rec = do(http.MethodGet, "/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Node  cluster.NodeInfo `json:"node"`
		Stats volume.Stats     `json:"stats"`
		Used  string           `json:"used"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, cluster.Capacity{Capacity: 16, Used: 4, Remaining: 12}, info.Node.Capacity)
	assert.Equal(t, "4 B", info.Used)
	assert.Equal(t, 1, info.Stats.Blocks)

	rec = do(http.MethodDelete, "/blocks/4", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []cluster.BlockID{4}, coord.snapshot().deleted["dn1"])
}

// TestServe tests that serve runs until the context is cancelled
func TestServe(t *testing.T) {
	coord := newFakeCoordinator(t)
	a := newTestAgent(t, coord, "dn1", clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, "127.0.0.1:0") }()

	require.Eventually(t, func() bool {
		return len(coord.snapshot().registrations) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
