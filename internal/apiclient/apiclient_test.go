package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/merger"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

const base = "http://n1.local:8081"

func newMockedClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	return New("n1.local:8081", time.Second).SetTransport(transport), transport
}

func TestClient_Ready(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)

	transport.RegisterResponder(http.MethodGet, base+"/v1/ready",
		httpmock.NewJsonResponderOrPanic(http.StatusServiceUnavailable, cluster.ReadyResponse{Node: "n1", Ready: false}))
	ready, err := client.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)

	transport.RegisterResponder(http.MethodGet, base+"/v1/ready",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, cluster.ReadyResponse{Node: "n1", Ready: true}))
	ready, err = client.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestClient_WaitReady(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)
	transport.RegisterResponderWithQuery(http.MethodGet, base+"/v1/ready",
		map[string]string{"wait": "true"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, cluster.ReadyResponse{Node: "n1", Ready: true}))

	ready, err := client.WaitReady(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestClient_Shard(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)

	replicas := []cluster.NodeInfo{{ID: "n3", Addr: "n3.local:8083", PrimaryEligible: true}}
	transport.RegisterResponder(http.MethodGet, base+"/v1/shard/10",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, shardmap.Shard{Index: 1, Replicas: replicas, Members: replicas}))

	target, err := client.Shard(context.Background(), "10")
	require.NoError(t, err)
	assert.Equal(t, 1, target.Index)
	assert.Equal(t, replicas, target.Replicas)
}

func TestClient_Write(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)

	var got model.Mutation
	transport.RegisterResponder(http.MethodPost, base+"/v1/spaces/demo/auto-increment", func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewJsonResponse(http.StatusOK, cluster.ExecResponse{Tuple: storage.Tuple{int64(4), "test3"}})
	})

	tuple, err := client.Write(context.Background(), "demo", model.Mutation{
		Kind:   model.KindAutoIncrement,
		Fields: storage.Tuple{"test3"},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Tuple{int64(4), "test3"}, tuple)
	assert.Equal(t, storage.Tuple{"test3"}, got.Fields)
}

func TestClient_Write_Error(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodPost, base+"/v1/spaces/demo/insert",
		httpmock.NewJsonResponderOrPanic(http.StatusServiceUnavailable, cluster.ErrorResponse{
			StatusCode: http.StatusServiceUnavailable,
			Error:      "noLiveShard",
			Message:    `no live shard for key 1 (bucket 3)`,
		}))

	_, err := client.Write(context.Background(), "demo", model.Mutation{Kind: model.KindInsert, Tuple: storage.Tuple{int64(1)}})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, svcerrors.HTTPCodeFrom(err))
	assert.Equal(t, "noLiveShard", svcerrors.ErrorName(err))
}

func TestClient_Enqueue(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)

	var got map[string]any
	transport.RegisterResponder(http.MethodPost, base+"/v1/spaces/demo/queue/insert", func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewJsonResponse(http.StatusAccepted, cluster.EnqueueResponse{ID: storage.StringKey("5"), Created: true})
	})

	created, err := client.Enqueue(context.Background(), "demo", storage.StringKey("5"), model.Mutation{
		Kind:  model.KindInsert,
		Tuple: storage.Tuple{int64(5), "text id"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "5", got["id"])
	assert.Equal(t, []any{5.0, "text id"}, got["tuple"])
}

func TestClient_CheckOperation(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)
	transport.RegisterResponderWithQuery(http.MethodGet, base+"/v1/spaces/demo/operations",
		map[string]string{"id": "12345", "type": "text", "shard": "0"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, cluster.OperationStatus{Found: false}))

	status, err := client.CheckOperation(context.Background(), "demo", storage.StringKey("12345"), 0)
	require.NoError(t, err)
	assert.False(t, status.Found)
}

func TestClient_Select(t *testing.T) {
	t.Parallel()
	client, transport := newMockedClient(t)
	transport.RegisterResponderWithQuery(http.MethodGet, base+"/v1/spaces/demo/select",
		map[string]string{"order": "desc"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, cluster.SelectResponse{Tuples: []storage.Tuple{{int64(2)}, {int64(1)}}}))
	transport.RegisterResponderWithQuery(http.MethodGet, base+"/v1/spaces/demo/select",
		map[string]string{"key": "2", "type": "int"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, cluster.SelectResponse{Tuples: []storage.Tuple{{int64(2)}}}))

	all, err := client.Select(context.Background(), "demo", merger.Desc)
	require.NoError(t, err)
	assert.Equal(t, []storage.Tuple{{int64(2)}, {int64(1)}}, all)

	tuple, err := client.Get(context.Background(), "demo", storage.IntKey(2))
	require.NoError(t, err)
	assert.Equal(t, storage.Tuple{int64(2)}, tuple)
}
