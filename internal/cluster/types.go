package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
)

// NodeInfo is one node of the static cluster list.
type NodeInfo struct {
	ID              string `json:"id"`
	Addr            string `json:"addr"`
	PrimaryEligible bool   `json:"primaryEligible"`
}

// Liveness is the heartbeat view of a node.
type Liveness string

const (
	LivenessUnknown Liveness = "unknown"
	LivenessAlive   Liveness = "alive"
	LivenessDead    Liveness = "dead"
)

// NodeStatus pairs a node with its current liveness.
type NodeStatus struct {
	NodeInfo
	Liveness         Liveness `json:"liveness"`
	ConsecutiveFails int      `json:"consecutiveFails"`
}

// ExecRequest carries a single-phase mutation to a replica.
type ExecRequest struct {
	Mutation model.Mutation `json:"mutation"`
}

type ExecResponse struct {
	Tuple storage.Tuple `json:"tuple"`
}

// Results of a replicate call.
const (
	ReplicateApplied  = "applied"
	ReplicateSkipped  = "skipped"
	ReplicateRejected = "rejected"
	// ReplicateConflict: the receiver holds a different operation under the same id
	ReplicateConflict = "conflict"
)

// ReplicateRequest carries a queued operation from the node that accepted it
// to another replica of the target shard.
type ReplicateRequest struct {
	ID       storage.Key    `json:"id"`
	Origin   string         `json:"origin"`
	Mutation model.Mutation `json:"mutation"`
}

type ReplicateResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// OperationStatus is a node's own view of a queued operation.
type OperationStatus struct {
	Found  bool   `json:"found"`
	Status string `json:"status,omitempty"`
}

type SelectResponse struct {
	Tuples []storage.Tuple `json:"tuples"`
}

// EnqueueRequest is the body of a queued write, the mutation kind comes from the path.
type EnqueueRequest struct {
	ID *storage.Key `json:"id"`
	model.Mutation
}

type EnqueueResponse struct {
	ID      storage.Key `json:"id"`
	Created bool        `json:"created"`
}

// ReadyResponse reports whether the first heartbeat round has completed.
type ReadyResponse struct {
	Node  string `json:"node"`
	Ready bool   `json:"ready"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// Operation id types in query strings.
const (
	IDTypeInt  = "int"
	IDTypeText = "text"
)

// FormatID encodes an operation id for a query string.
func FormatID(id storage.Key) (value, typ string) {
	if id.IsString() {
		return id.Text(), IDTypeText
	}
	return strconv.FormatInt(id.Int(), 10), IDTypeInt
}

// ParseID decodes an operation id from a query string.
// An empty type means int when the value is a canonical integer, text otherwise.
func ParseID(value, typ string) (storage.Key, error) {
	switch typ {
	case IDTypeText:
		return storage.StringKey(value), nil
	case IDTypeInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return storage.Key{}, fmt.Errorf(`invalid integer operation id "%s"`, value)
		}
		return storage.IntKey(n), nil
	case "":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && strconv.FormatInt(n, 10) == value {
			return storage.IntKey(n), nil
		}
		return storage.StringKey(value), nil
	default:
		return storage.Key{}, fmt.Errorf(`unknown operation id type "%s"`, typ)
	}
}

// BaseURL accepts both full URLs and host:port addresses.
func BaseURL(addr string) string {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	return strings.TrimRight(url, "/")
}
