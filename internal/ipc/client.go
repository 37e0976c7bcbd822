package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// defaultRPCTimeout is the default timeout for RPC calls.
const defaultRPCTimeout = 5 * time.Second

// ErrEmptySocketPath is returned when an empty socket path is provided.
var ErrEmptySocketPath = errors.New("socket path cannot be empty")

// Client talks to a running daemon's admin socket.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient creates a client for the admin socket at sockPath. The
// connection is established lazily on the first call.
func NewClient(sockPath string) (*Client, error) {
	if sockPath == "" {
		return nil, ErrEmptySocketPath
	}

	conn, err := grpc.NewClient(
		"unix://"+sockPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin socket: %w", err)
	}

	return &Client{conn: conn, timeout: defaultRPCTimeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return fmt.Errorf("%s RPC failed: %w", method, err)
	}
	return nil
}

// Phrases lists the phrase hashes the daemon's store holds.
func (c *Client) Phrases(ctx context.Context) ([]string, error) {
	var resp PhrasesResponse
	if err := c.invoke(ctx, "Phrases", &PhrasesRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Phrases, nil
}

// Snapshot returns a phrase's chain ordered root to leaf.
func (c *Client) Snapshot(ctx context.Context, phraseHash string) ([]NodeView, error) {
	var resp SnapshotResponse
	if err := c.invoke(ctx, "Snapshot", &SnapshotRequest{PhraseHash: phraseHash}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Audit returns the invariant violations for a phrase.
func (c *Client) Audit(ctx context.Context, phraseHash string) ([]string, error) {
	var resp AuditResponse
	if err := c.invoke(ctx, "Audit", &AuditRequest{PhraseHash: phraseHash}, &resp); err != nil {
		return nil, err
	}
	return resp.Violations, nil
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.invoke(ctx, "Status", &StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
