package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NodeID is the storage identity of a node. It survives address changes and
// restarts; a node that registers without one is assigned a fresh ID.
type NodeID string

// BlockID identifies a block independently of its generation.
type BlockID uint64

// String renders the ID the way it appears in URLs and dumps.
func (id BlockID) String() string {
	return "blk_" + strconv.FormatUint(uint64(id), 10)
}

// ParseBlockID accepts both the bare number and the "blk_" form.
func ParseBlockID(s string) (BlockID, error) {
	if len(s) > 4 && s[:4] == "blk_" {
		s = s[4:]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q: %w", s, err)
	}
	return BlockID(n), nil
}

// Block is an immutable block identity plus its length. Two replicas refer to
// the same block when their IDs match; GenStamp orders their versions.
type Block struct {
	ID       BlockID `json:"id"`
	GenStamp uint64  `json:"gen_stamp"`
	NumBytes int64   `json:"num_bytes"`
}

// Capacity is the storage usage a node reports with each heartbeat.
type Capacity struct {
	Capacity  int64 `json:"capacity"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// NodeInfo describes a storage node as the control plane knows it.
type NodeInfo struct {
	ID       NodeID   `json:"id"`
	Name     string   `json:"name"` // host:port, matched by exclude lists
	Capacity Capacity `json:"capacity"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

type RegisterResponse struct {
	Node NodeInfo `json:"node"`
}

// HeartbeatRequest is sent periodically by every storage node. Timestamp is
// the agent's own clock and is only used to order heartbeats from one node.
type HeartbeatRequest struct {
	NodeID    NodeID    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Capacity  Capacity  `json:"capacity"`
}

// HeartbeatResponse carries the work queued for the node since its last heartbeat.
type HeartbeatResponse struct {
	Commands []Command `json:"commands,omitempty"`
}

// BlockReport lists every replica a node holds.
type BlockReport struct {
	Blocks []Block `json:"blocks"`
}

// IncrementalReport batches replicas received and deleted since the last report.
type IncrementalReport struct {
	Received []Block   `json:"received,omitempty"`
	Deleted  []BlockID `json:"deleted,omitempty"`
}

// CommandType enumerates the instructions the control plane hands to nodes.
type CommandType string

const (
	// CommandReplicate asks the node to copy a block it holds to Targets.
	CommandReplicate CommandType = "replicate"
	// CommandInvalidate asks the node to delete the listed blocks.
	CommandInvalidate CommandType = "invalidate"
)

// Command is a unit of work delivered in a heartbeat response.
type Command struct {
	Type    CommandType `json:"type"`
	Blocks  []Block     `json:"blocks"`
	Targets []NodeInfo  `json:"targets,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned by the JSON helpers for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostJSONWithRetry retries PostJSON with exponential backoff until ctx is
// done or maxElapsed passes. 4xx responses are not retried.
func PostJSONWithRetry(ctx context.Context, url string, body any, out any, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := PostJSON(ctx, url, body, out)
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
