package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
)

type recorded struct {
	method string
	path   string
	query  string
	body   map[string]any
}

// fakeNode answers every request with the canned body of its path
// and records the requests.
func fakeNode(t *testing.T, responses map[string]any) (*httptest.Server, *[]recorded) {
	t.Helper()
	var requests []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if r.Body != nil && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		requests = append(requests, rec)

		resp, ok := responses[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(cluster.ErrorResponse{StatusCode: http.StatusNotFound, Error: "routeNotFound", Message: "not found"})
			return
		}
		if errResp, ok := resp.(cluster.ErrorResponse); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(errResp.StatusCode)
			_ = json.NewEncoder(w).Encode(errResp)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestShardctl_Insert(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/spaces/demo/insert": cluster.ExecResponse{Tuple: storage.Tuple{int64(1), "first"}},
	})

	out, err := execute(t, "--addr", srv.URL, "insert", "demo", `[1, "first"]`)
	require.NoError(t, err, out)
	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "insert", req.body["kind"])
	assert.Equal(t, []any{1.0, "first"}, req.body["tuple"])

	var tuple []any
	require.NoError(t, json.Unmarshal([]byte(out), &tuple))
	assert.Equal(t, []any{1.0, "first"}, tuple)
}

func TestShardctl_AutoIncrement(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/spaces/demo/auto-increment": cluster.ExecResponse{Tuple: storage.Tuple{int64(4), "x"}},
	})

	_, err := execute(t, "--addr", srv.URL, "auto-increment", "demo", `["x"]`)
	require.NoError(t, err)
	req := (*requests)[0]
	assert.Equal(t, "auto-increment", req.body["kind"])
	assert.Equal(t, []any{"x"}, req.body["fields"])
	assert.NotContains(t, req.body, "tuple")
}

func TestShardctl_Update(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/spaces/demo/update": cluster.ExecResponse{Tuple: storage.Tuple{"k", int64(2)}},
	})

	_, err := execute(t, "--addr", srv.URL, "update", "demo", "k", `[{"op": "+", "field": 2, "value": 1}]`)
	require.NoError(t, err)
	req := (*requests)[0]
	assert.Equal(t, "k", req.body["key"])
	assert.Equal(t, []any{map[string]any{"op": "+", "field": 2.0, "value": 1.0}}, req.body["ops"])
}

func TestShardctl_Enqueue(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/spaces/demo/queue/delete": cluster.EnqueueResponse{ID: storage.StringKey("5"), Created: true},
	})

	out, err := execute(t, "--addr", srv.URL, "enqueue", "demo", "5", "--id-type", "text", "delete", "7")
	require.NoError(t, err, out)
	req := (*requests)[0]
	assert.Equal(t, "5", req.body["id"])
	assert.Equal(t, string(model.KindDelete), req.body["kind"])
	assert.Equal(t, 7.0, req.body["key"])
	assert.JSONEq(t, `{"id": "5", "created": true}`, out)
}

func TestShardctl_Check(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/spaces/demo/operations": cluster.OperationStatus{Found: false},
	})

	_, err := execute(t, "--addr", srv.URL, "check", "demo", "12345", "--shard", "2")
	require.NoError(t, err)
	assert.Equal(t, "id=12345&shard=2&type=int", (*requests)[0].query)
}

func TestShardctl_Ready(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/ready": cluster.ReadyResponse{Node: "n1", Ready: true},
	})

	out, err := execute(t, "--addr", srv.URL, "ready")
	require.NoError(t, err, out)
	assert.JSONEq(t, `{"ready": true}`, out)

	out, err = execute(t, "--addr", srv.URL, "ready", "--wait")
	require.NoError(t, err, out)
	assert.JSONEq(t, `{"ready": true}`, out)

	require.Len(t, *requests, 2)
	assert.Equal(t, "", (*requests)[0].query)
	assert.Equal(t, "wait=true", (*requests)[1].query)
}

func TestShardctl_SelectYAML(t *testing.T) {
	srv, requests := fakeNode(t, map[string]any{
		"/v1/spaces/demo/select": cluster.SelectResponse{Tuples: []storage.Tuple{{int64(2), "b"}, {int64(1), "a"}}},
	})

	out, err := execute(t, "--addr", srv.URL, "-o", "yaml", "select", "demo", "--order", "desc")
	require.NoError(t, err, out)
	assert.Equal(t, "order=desc", (*requests)[0].query)

	var tuples [][]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &tuples))
	assert.Equal(t, [][]any{{2, "b"}, {1, "a"}}, tuples)
}

func TestShardctl_Errors(t *testing.T) {
	srv, _ := fakeNode(t, map[string]any{
		"/v1/spaces/demo/insert": cluster.ErrorResponse{StatusCode: http.StatusConflict, Error: "conflict", Message: "duplicate key 1"},
	})

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"remote error", []string{"insert", "demo", "[1]"}, "duplicate key 1"},
		{"bad tuple", []string{"insert", "demo", "{}"}, "tuple must be a JSON array"},
		{"bad kind", []string{"enqueue", "demo", "1", "upsert", "[1]"}, `unknown operation kind "upsert"`},
		{"bad order", []string{"select", "demo", "--order", "up"}, "up"},
		{"bad output", []string{"-o", "xml", "ready"}, `output must be "json" or "yaml"`},
		{"bad id type", []string{"get", "demo", "1", "--id-type", "uuid"}, `unknown operation id type "uuid"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--addr", srv.URL}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
