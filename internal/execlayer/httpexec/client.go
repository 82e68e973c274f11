package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/internal/httputil"
	appmw "github.com/datmedevil17/simcityMagicblock/internal/middleware"
)

// TokenSource mints service tokens addressed to a validator id.
type TokenSource interface {
	ServiceID() string
	Token(audience string) (string, error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithServiceToken authenticates every custody call with tokens from src.
func WithServiceToken(src TokenSource) ClientOption {
	return func(c *Client) { c.tokens = src }
}

// Client is a remote validator.
type Client struct {
	id      string
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

var _ execlayer.Validator = (*Client)(nil)

// NewClient targets the node at baseURL. A nil http client gets a 10s
// timeout.
func NewClient(id, baseURL string, hc *http.Client, opts ...ClientOption) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{id: id, baseURL: strings.TrimRight(baseURL, "/"), http: hc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperrors.Internal(err, "encode %s request", op)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.Internal(err, "build %s request", op)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(c.id)
		if err != nil {
			return apperrors.Internal(err, "mint service token for %s", op)
		}
		req.Header.Set(appmw.ServiceTokenHeader, tok)
		req.Header.Set(appmw.ServiceIDHeader, c.tokens.ServiceID())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Unavailable(op, err)
	}
	return httputil.DecodeResponse(resp, op+" on "+c.id, out)
}

func accountPath(addr chain.Address, action string) string {
	return "/v1/executor/accounts/" + addr.String() + "/" + action
}

func (c *Client) Accept(ctx context.Context, t execlayer.Transfer) error {
	return c.do(ctx, "accept", http.MethodPost, "/v1/executor/accept", t, nil)
}

func (c *Client) Snapshot(ctx context.Context, addr chain.Address) (execlayer.Account, error) {
	var acct execlayer.Account
	err := c.do(ctx, "snapshot", http.MethodGet, accountPath(addr, "snapshot"), nil, &acct)
	return acct, err
}

func (c *Client) Release(ctx context.Context, addr chain.Address, releaseID string) (execlayer.Account, error) {
	var acct execlayer.Account
	err := c.do(ctx, "release", http.MethodPost, accountPath(addr, "release"), releaseBody{ReleaseID: releaseID}, &acct)
	return acct, err
}

func (c *Client) Reinstate(ctx context.Context, addr chain.Address, releaseID string) error {
	return c.do(ctx, "reinstate", http.MethodPost, accountPath(addr, "reinstate"), releaseBody{ReleaseID: releaseID}, nil)
}

func (c *Client) Evict(ctx context.Context, addr chain.Address, delegationID string) error {
	return c.do(ctx, "evict", http.MethodPost, accountPath(addr, "evict"), evictBody{DelegationID: delegationID}, nil)
}

func (c *Client) Lookup(ctx context.Context, addr chain.Address) (execlayer.Holding, error) {
	var h execlayer.Holding
	err := c.do(ctx, "lookup", http.MethodGet, accountPath(addr, "holding"), nil, &h)
	return h, err
}
