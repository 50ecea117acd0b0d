// Package aria2 drives an aria2 daemon over its JSON-RPC interface: HTTP for
// calls and WebSocket for push notifications.
package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Client struct {
	RPCURL string
	Secret string
	HTTP   *http.Client
}

func NewClient(rpcURL, secret string) *Client {
	return &Client{
		RPCURL: rpcURL,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by aria2.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is aria2's answer for an unknown GID.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "not found")
}

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	// If secret is set, it must be the first parameter as "token:secret"
	finalParams := make([]any, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      uuid.NewString(),
		Params:  finalParams,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	// aria2 answers errors with a non-200 status and a JSON-RPC error body.
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// AddURI queues uri and returns the GID aria2 assigned.
func (c *Client) AddURI(ctx context.Context, uri string, opts map[string]any) (string, error) {
	var gid string
	// aria2.addUri expects [uris] as first arg (after secret)
	if err := c.Call(ctx, "aria2.addUri", &gid, []string{uri}, opts); err != nil {
		return "", err
	}
	if gid == "" {
		return "", fmt.Errorf("aria2.addUri: empty gid")
	}
	return gid, nil
}

// Status is the subset of aria2.tellStatus fields dlwatch reads.
// aria2 encodes all numbers as strings.
type Status struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	Dir             string `json:"dir"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []File `json:"files"`
}

type File struct {
	Index  string `json:"index"`
	Path   string `json:"path"`
	Length string `json:"length"`
}

var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "dir", "errorCode", "errorMessage", "files",
}

func (c *Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	var st Status
	if err := c.Call(ctx, "aria2.tellStatus", &st, gid, statusKeys); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.forceRemove", nil, gid)
}

// RemoveDownloadResult removes a completed/error/removed download from memory.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.removeDownloadResult", nil, gid)
}

// Version is used as a connectivity check.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.Call(ctx, "aria2.getVersion", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}
