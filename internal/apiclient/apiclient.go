// Package apiclient is a client of the public /v1 API of a shardq node.
// It is used by the shardctl command and by the integration tests.
package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/merger"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/shard"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/storage"
)

// Client calls one node. Any node can serve any request.
type Client struct {
	resty *resty.Client
	addr  string
}

func New(addr string, timeout time.Duration) *Client {
	r := resty.New()
	r.SetBaseURL(cluster.BaseURL(addr))
	r.SetTimeout(timeout)
	r.SetHeader("Content-Type", "application/json")
	r.SetError(&cluster.ErrorResponse{})
	return &Client{resty: r, addr: addr}
}

// SetTransport replaces the HTTP transport, used by tests.
func (c *Client) SetTransport(transport http.RoundTripper) *Client {
	c.resty.SetTransport(transport)
	return c
}

// Ready returns whether the node completed its first heartbeat round.
// A node that is not ready answers 503, which is not an error here.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	return c.ready(ctx, false)
}

// WaitReady is Ready, but the node holds the answer until it is ready or
// the request times out.
func (c *Client) WaitReady(ctx context.Context) (bool, error) {
	return c.ready(ctx, true)
}

func (c *Client) ready(ctx context.Context, wait bool) (bool, error) {
	result := &cluster.ReadyResponse{}
	req := c.resty.R().SetContext(ctx).SetResult(result).SetError(result)
	if wait {
		req.SetQueryParam("wait", "true")
	}
	resp, err := req.Get("/v1/ready")
	if err != nil {
		return false, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusServiceUnavailable {
		return false, c.responseError(resp)
	}
	return result.Ready, nil
}

func (c *Client) Nodes(ctx context.Context) ([]cluster.NodeStatus, error) {
	var result []cluster.NodeStatus
	if err := c.get(ctx, "/v1/nodes", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) ShardMap(ctx context.Context) (shardmap.Dump, error) {
	result := shardmap.Dump{}
	err := c.get(ctx, "/v1/shardmap", nil, &result)
	return result, err
}

// Shard returns the replica set of the key. The key is sent in its
// canonical string form, so 10 and "10" give the same answer.
func (c *Client) Shard(ctx context.Context, key string) (shardmap.Shard, error) {
	result := shardmap.Shard{}
	err := c.get(ctx, "/v1/shard/"+url.PathEscape(key), nil, &result)
	return result, err
}

// Write runs a single-phase write and returns the primary's result tuple.
func (c *Client) Write(ctx context.Context, space string, m model.Mutation) (storage.Tuple, error) {
	result := &cluster.ExecResponse{}
	if err := c.post(ctx, spacePath(space, string(m.Kind)), m, result); err != nil {
		return nil, err
	}
	return result.Tuple, nil
}

// Enqueue submits a two-phase operation. created is false for a duplicate id.
func (c *Client) Enqueue(ctx context.Context, space string, id storage.Key, m model.Mutation) (created bool, err error) {
	result := &cluster.EnqueueResponse{}
	body := cluster.EnqueueRequest{ID: &id, Mutation: m}
	if err := c.post(ctx, spacePath(space, "queue/"+string(m.Kind)), body, result); err != nil {
		return false, err
	}
	return result.Created, nil
}

// CheckOperation returns the status of the operation on the primary of the shard.
func (c *Client) CheckOperation(ctx context.Context, space string, id storage.Key, shardIndex int) (cluster.OperationStatus, error) {
	value, typ := cluster.FormatID(id)
	result := cluster.OperationStatus{}
	err := c.get(ctx, spacePath(space, "operations"), map[string]string{
		"id":    value,
		"type":  typ,
		"shard": strconv.Itoa(shardIndex),
	}, &result)
	return result, err
}

// Get returns the tuple with the key, nil if it doesn't exist.
func (c *Client) Get(ctx context.Context, space string, key storage.Key) (storage.Tuple, error) {
	value, typ := cluster.FormatID(key)
	result := cluster.SelectResponse{}
	if err := c.get(ctx, spacePath(space, "select"), map[string]string{"key": value, "type": typ}, &result); err != nil {
		return nil, err
	}
	if len(result.Tuples) == 0 {
		return nil, nil
	}
	return result.Tuples[0], nil
}

// Select returns all tuples of the space merged over all shards.
func (c *Client) Select(ctx context.Context, space string, order merger.Order) ([]storage.Tuple, error) {
	result := cluster.SelectResponse{}
	if err := c.get(ctx, spacePath(space, "select"), map[string]string{"order": string(order)}, &result); err != nil {
		return nil, err
	}
	return result.Tuples, nil
}

func (c *Client) Stats(ctx context.Context, space string) (shard.SpaceStats, error) {
	result := shard.SpaceStats{}
	err := c.get(ctx, spacePath(space, "stats"), nil, &result)
	return result, err
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, result any) error {
	resp, err := c.resty.R().SetContext(ctx).SetQueryParams(query).SetResult(result).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return c.responseError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	resp, err := c.resty.R().SetContext(ctx).SetBody(body).SetResult(result).Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return c.responseError(resp)
	}
	return nil
}

func (c *Client) responseError(resp *resty.Response) error {
	respErr := cluster.ResponseError{NodeID: c.addr, Code: resp.StatusCode(), Name: "internalError", Message: resp.Status()}
	if body, ok := resp.Error().(*cluster.ErrorResponse); ok && body.Error != "" {
		respErr.Name = body.Error
		respErr.Message = body.Message
	}
	return respErr
}

func spacePath(space, action string) string {
	return "/v1/spaces/" + url.PathEscape(space) + "/" + action
}
