package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/volume"
)

// genStampHeader carries a replica's generation on block transfers.
const genStampHeader = "X-Gen-Stamp"

var transferClient = &http.Client{Timeout: 30 * time.Second}

// Agent is the storage node side of the replication protocol: it registers,
// heartbeats, reports replicas and carries out the commands returned in
// heartbeat responses.
type Agent struct {
	coord    string
	vol      *volume.Volume
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	// registerTimeout bounds registration retries.
	registerTimeout time.Duration

	mu   sync.RWMutex
	info cluster.NodeInfo
}

// NewAgent creates an agent for the node described by info. An empty
// info.ID is replaced by the ID the control plane assigns on Register.
func NewAgent(info cluster.NodeInfo, coord string, vol *volume.Volume, clk clock.Clock, interval time.Duration, logger zerolog.Logger) *Agent {
	return &Agent{
		coord:           coord,
		vol:             vol,
		clock:           clk,
		interval:        interval,
		registerTimeout: time.Minute,
		info:            info,
		logger:          logger.With().Str("component", "agent").Logger(),
	}
}

// Info returns the node identity, including the assigned ID once registered.
func (a *Agent) Info() cluster.NodeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info := a.info
	info.Capacity = a.vol.Capacity()
	return info
}

func (a *Agent) nodeURL(suffix string) string {
	return a.coord + "/nodes/" + string(a.Info().ID) + suffix
}

// Register announces the node and then sends a full block report.
func (a *Agent) Register(ctx context.Context) error {
	var resp cluster.RegisterResponse
	err := cluster.PostJSONWithRetry(ctx, a.coord+"/nodes/register",
		cluster.RegisterRequest{Node: a.Info()}, &resp, a.registerTimeout)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	a.mu.Lock()
	a.info.ID = resp.Node.ID
	a.mu.Unlock()
	a.logger.Info().Str("node", string(resp.Node.ID)).Str("coordinator", a.coord).Msg("registered")

	return a.BlockReport(ctx)
}

// BlockReport sends every held replica.
func (a *Agent) BlockReport(ctx context.Context) error {
	rep := cluster.BlockReport{Blocks: a.vol.Blocks()}
	var out struct {
		Added   int `json:"added"`
		Removed int `json:"removed"`
	}
	if err := cluster.PostJSON(ctx, a.nodeURL("/blocks/report"), rep, &out); err != nil {
		return fmt.Errorf("block report: %w", err)
	}
	a.logger.Info().Int("blocks", len(rep.Blocks)).Int("added", out.Added).
		Int("removed", out.Removed).Msg("block report sent")
	return nil
}

func (a *Agent) reportReceived(ctx context.Context, blocks ...cluster.Block) error {
	return cluster.PostJSON(ctx, a.nodeURL("/blocks/received"), cluster.IncrementalReport{Received: blocks}, nil)
}

func (a *Agent) reportDeleted(ctx context.Context, ids ...cluster.BlockID) error {
	return cluster.PostJSON(ctx, a.nodeURL("/blocks/deleted"), cluster.IncrementalReport{Deleted: ids}, nil)
}

// Heartbeat sends one heartbeat and executes the returned commands. A
// command failure is logged and doesn't stop the others.
func (a *Agent) Heartbeat(ctx context.Context) error {
	info := a.Info()
	req := cluster.HeartbeatRequest{
		NodeID:    info.ID,
		Timestamp: a.clock.Now(),
		Capacity:  info.Capacity,
	}
	var resp cluster.HeartbeatResponse
	if err := cluster.PostJSON(ctx, a.coord+"/nodes/heartbeat", req, &resp); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	for _, cmd := range resp.Commands {
		if err := a.Execute(ctx, cmd); err != nil {
			a.logger.Warn().Err(err).Str("type", string(cmd.Type)).Msg("command failed")
		}
	}
	return nil
}

// Execute carries out one command from the control plane.
func (a *Agent) Execute(ctx context.Context, cmd cluster.Command) error {
	switch cmd.Type {
	case cluster.CommandReplicate:
		var errs []error
		for _, b := range cmd.Blocks {
			errs = append(errs, a.replicate(ctx, b, cmd.Targets))
		}
		return errors.Join(errs...)
	case cluster.CommandInvalidate:
		return a.invalidate(ctx, cmd.Blocks)
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func (a *Agent) replicate(ctx context.Context, b cluster.Block, targets []cluster.NodeInfo) error {
	held, data, err := a.vol.Get(b.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range targets {
		if err := pushBlock(ctx, t.Name, held, data); err != nil {
			errs = append(errs, fmt.Errorf("copy %s to %s: %w", b.ID, t.ID, err))
			continue
		}
		a.logger.Debug().Stringer("block", b.ID).Str("target", string(t.ID)).Msg("replica copied")
	}
	return errors.Join(errs...)
}

func (a *Agent) invalidate(ctx context.Context, blocks []cluster.Block) error {
	var deleted []cluster.BlockID
	var errs []error
	for _, b := range blocks {
		ok, err := a.vol.Delete(b.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// Deletions of replicas already gone are reported too, so the
		// control plane drops stale index entries.
		deleted = append(deleted, b.ID)
		if ok {
			a.logger.Debug().Stringer("block", b.ID).Msg("replica deleted")
		}
	}
	if len(deleted) > 0 {
		errs = append(errs, a.reportDeleted(ctx, deleted...))
	}
	return errors.Join(errs...)
}

// pushBlock writes a replica to the node listening at addr (host:port).
func pushBlock(ctx context.Context, addr string, b cluster.Block, data []byte) error {
	url := "http://" + addr + "/blocks/" + b.ID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(genStampHeader, strconv.FormatUint(b.GenStamp, 10))
	resp, err := transferClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &cluster.StatusError{URL: url, Code: resp.StatusCode}
	}
	return nil
}

// Store writes a replica arriving from a client or a peer and reports it.
func (a *Agent) Store(ctx context.Context, b cluster.Block, data []byte) (cluster.Block, error) {
	stored, err := a.vol.Put(b, data)
	if err != nil {
		return stored, err
	}
	if err := a.reportReceived(ctx, stored); err != nil {
		a.logger.Warn().Err(err).Stringer("block", b.ID).Msg("received report failed")
	}
	return stored, nil
}

// Remove deletes a replica outside of any command, as a lost disk would,
// and reports it.
func (a *Agent) Remove(ctx context.Context, id cluster.BlockID) (bool, error) {
	ok, err := a.vol.Delete(id)
	if err != nil || !ok {
		return ok, err
	}
	if err := a.reportDeleted(ctx, id); err != nil {
		a.logger.Warn().Err(err).Stringer("block", id).Msg("deleted report failed")
	}
	return true, nil
}

// Run registers and then heartbeats every interval until ctx is cancelled.
// A heartbeat rejected with 4xx triggers re-registration.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := a.Heartbeat(ctx)
			if err == nil {
				continue
			}
			a.logger.Warn().Err(err).Msg("heartbeat failed")
			var se *cluster.StatusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
				if err := a.Register(ctx); err != nil {
					a.logger.Error().Err(err).Msg("re-register failed")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
