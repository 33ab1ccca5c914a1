// Package backend is the HTTP client for the community backend API: post
// listings for ranking, plus the activity collector and bookmark endpoints
// the ledger forwards to.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/ledger"
	"github.com/matthewbaird/recipehub/internal/ranking"
	"github.com/matthewbaird/recipehub/internal/types"
)

// Namespace headers. The collector service reads the same names.
const (
	HeaderAccountID = "X-Account-ID"
	HeaderProvider  = "X-Auth-Provider"
)

// ErrStatus is wrapped by every *StatusError.
var ErrStatus = errors.New("backend: unexpected status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("backend: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Client talks to the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

var _ ledger.Remote = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(c *Client) { c.log = log } }

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// FetchPosts returns the upstream post list, normalized.
func (c *Client) FetchPosts(ctx context.Context) ([]types.Post, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/posts", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	posts, err := ranking.DecodePosts(body)
	if err != nil {
		return nil, fmt.Errorf("decoding posts: %w", err)
	}
	return posts, nil
}

type collectRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Collect records one activity for ns on the server.
func (c *Client) Collect(ctx context.Context, ns types.Namespace, typ string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/activity", nil, &ns, collectRequest{Type: typ, Data: data})
	return err
}

// ActivityPage fetches one page of ns's server-side activity.
func (c *Client) ActivityPage(ctx context.Context, ns types.Namespace, page, size int) (types.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	body, err := c.do(ctx, http.MethodGet, "/v1/activity", q, &ns, nil)
	if err != nil {
		return types.Page{}, err
	}
	p, err := DecodePage(body)
	if err != nil {
		return types.Page{}, fmt.Errorf("decoding activity page: %w", err)
	}
	return p, nil
}

// SetBookmark sets or clears the server-side bookmark on postID.
func (c *Client) SetBookmark(ctx context.Context, ns types.Namespace, postID string, on bool) error {
	method := http.MethodDelete
	if on {
		method = http.MethodPut
	}
	_, err := c.do(ctx, method, "/v1/posts/"+url.PathEscape(postID)+"/bookmark", nil, &ns, nil)
	return err
}

// DecodePage accepts {items,total}, {content,totalElements} or a bare
// array. A bare array's total is its length.
func DecodePage(body []byte) (types.Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []types.ActivityEntry
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return types.Page{}, err
		}
		if items == nil {
			items = []types.ActivityEntry{}
		}
		return types.Page{Items: items, Total: len(items)}, nil
	}

	var env struct {
		Items         []types.ActivityEntry `json:"items"`
		Total         *int                  `json:"total"`
		Content       []types.ActivityEntry `json:"content"`
		TotalElements *int                  `json:"totalElements"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return types.Page{}, err
	}
	p := types.Page{Items: env.Items}
	if p.Items == nil {
		p.Items = env.Content
	}
	if p.Items == nil {
		p.Items = []types.ActivityEntry{}
	}
	switch {
	case env.Total != nil:
		p.Total = *env.Total
	case env.TotalElements != nil:
		p.Total = *env.TotalElements
	default:
		p.Total = len(p.Items)
	}
	return p, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, ns *types.Namespace, in any) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ns != nil {
		req.Header.Set(HeaderAccountID, ns.AccountID)
		req.Header.Set(HeaderProvider, ns.Provider)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: snippet(out)}
		c.log.Debug("backend: request failed", zap.Error(serr))
		return nil, serr
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
