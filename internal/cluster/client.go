package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// ResponseError is a non-2xx answer of a remote node.
// It keeps the remote status code and error name, so it maps to the same
// HTTP response when forwarded to a client.
type ResponseError struct {
	NodeID  string
	Code    int
	Name    string
	Message string
}

func (e ResponseError) StatusCode() int {
	return e.Code
}

func (e ResponseError) ErrorName() string {
	return e.Name
}

func (e ResponseError) Error() string {
	return fmt.Sprintf(`node "%s" responded %d: %s`, e.NodeID, e.Code, e.Message)
}

// Client calls the internal API of other nodes.
// Transport failures are returned as svcerrors.ReplicaUnreachableError,
// error responses as ResponseError.
type Client struct {
	resty  *resty.Client
	logger *zap.Logger
}

// NewClient creates a client with the request timeout.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	r := resty.New()
	r.SetTimeout(timeout)
	r.SetHeader("Content-Type", "application/json")
	r.SetError(&ErrorResponse{})
	return &Client{resty: r, logger: logger}
}

// SetTransport replaces the HTTP transport, used by tests.
func (c *Client) SetTransport(transport http.RoundTripper) *Client {
	c.resty.SetTransport(transport)
	return c
}

// Ping checks the node's /health endpoint.
func (c *Client) Ping(ctx context.Context, node NodeInfo) error {
	_, err := c.send(ctx, node, c.resty.R().SetContext(ctx), http.MethodGet, "/health")
	return err
}

// Exec applies a single-phase mutation on the node's local engine.
func (c *Client) Exec(ctx context.Context, node NodeInfo, space string, m model.Mutation) (storage.Tuple, error) {
	result := &ExecResponse{}
	req := c.resty.R().SetContext(ctx).SetBody(ExecRequest{Mutation: m}).SetResult(result)
	if _, err := c.send(ctx, node, req, http.MethodPost, spacePath(space, "exec")); err != nil {
		return nil, err
	}
	return result.Tuple, nil
}

// Replicate delivers a queued operation to the node.
func (c *Client) Replicate(ctx context.Context, node NodeInfo, space string, payload ReplicateRequest) (ReplicateResponse, error) {
	result := &ReplicateResponse{}
	req := c.resty.R().SetContext(ctx).SetBody(payload).SetResult(result)
	if _, err := c.send(ctx, node, req, http.MethodPost, spacePath(space, "replicate")); err != nil {
		return ReplicateResponse{}, err
	}
	return *result, nil
}

// OperationStatus asks the node for its own view of the operation.
func (c *Client) OperationStatus(ctx context.Context, node NodeInfo, space string, id storage.Key) (OperationStatus, error) {
	value, typ := FormatID(id)
	result := &OperationStatus{}
	req := c.resty.R().
		SetContext(ctx).
		SetQueryParam("id", value).
		SetQueryParam("type", typ).
		SetResult(result)
	if _, err := c.send(ctx, node, req, http.MethodGet, spacePath(space, "operations")); err != nil {
		return OperationStatus{}, err
	}
	return *result, nil
}

// Select returns all tuples of the space stored on the node, ordered by key.
func (c *Client) Select(ctx context.Context, node NodeInfo, space string) ([]storage.Tuple, error) {
	result := &SelectResponse{}
	req := c.resty.R().SetContext(ctx).SetResult(result)
	if _, err := c.send(ctx, node, req, http.MethodGet, spacePath(space, "select")); err != nil {
		return nil, err
	}
	return result.Tuples, nil
}

// Get returns the tuple with the key stored on the node, nil if it doesn't exist.
func (c *Client) Get(ctx context.Context, node NodeInfo, space string, key storage.Key) (storage.Tuple, error) {
	value, typ := FormatID(key)
	result := &SelectResponse{}
	req := c.resty.R().
		SetContext(ctx).
		SetQueryParam("key", value).
		SetQueryParam("type", typ).
		SetResult(result)
	if _, err := c.send(ctx, node, req, http.MethodGet, spacePath(space, "select")); err != nil {
		return nil, err
	}
	if len(result.Tuples) == 0 {
		return nil, nil
	}
	return result.Tuples[0], nil
}

func (c *Client) send(ctx context.Context, node NodeInfo, req *resty.Request, method, path string) (*resty.Response, error) {
	resp, err := req.Execute(method, BaseURL(node.Addr)+path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, svcerrors.NewReplicaUnreachableError(node.ID, err)
	}
	if resp.IsError() {
		respErr := ResponseError{NodeID: node.ID, Code: resp.StatusCode(), Name: "internalError", Message: resp.Status()}
		if body, ok := resp.Error().(*ErrorResponse); ok && body.Error != "" {
			respErr.Name = body.Error
			respErr.Message = body.Message
		}
		// A failing node is as good as an unreachable one
		if respErr.Code >= http.StatusInternalServerError {
			return nil, svcerrors.NewReplicaUnreachableError(node.ID, respErr)
		}
		return resp, respErr
	}
	c.logger.Debug("rpc done",
		zap.String("node", node.ID),
		zap.String("method", method),
		zap.String("path", path),
		zap.Duration("took", resp.Time()),
	)
	return resp, nil
}

func spacePath(space, action string) string {
	return "/internal/spaces/" + url.PathEscape(space) + "/" + action
}
