// Package store provides the HTTP client for the datastore REST API and its
// realtime change feed. Tables are addressed by name; filters are equality
// predicates encoded PostgREST-style (col=eq.value).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the datastore's table-scoped REST endpoints. A single
// Client is created at startup and shared across all components.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a datastore client for the given base URL and public key.
func NewClient(baseURL, apiKey string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxIdleConnsPerHost:   10,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Filter is a single equality predicate on a column.
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Value: fmt.Sprint(value)}
}

// Query carries the optional modifiers of a select.
type Query struct {
	Filters []Filter
	// OrderBy is a column name, optionally suffixed ".desc".
	OrderBy string
	Limit   int
}

// Select fetches rows from table matching q and decodes them into dest,
// which must be a pointer to a slice.
func (c *Client) Select(ctx context.Context, table string, q Query, dest any) error {
	v := url.Values{}
	for _, f := range q.Filters {
		v.Set(f.Column, "eq."+f.Value)
	}
	if q.OrderBy != "" {
		v.Set("order", q.OrderBy)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	body, _, err := c.do(ctx, http.MethodGet, table, v, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("store: decoding %s rows: %w", table, err)
	}
	return nil
}

// SelectOne fetches at most one row matching the filters and decodes it into
// dest. Returns ErrNotFound when no row matches.
func (c *Client) SelectOne(ctx context.Context, table string, dest any, filters ...Filter) error {
	raw := []json.RawMessage{}
	if err := c.Select(ctx, table, Query{Filters: filters, Limit: 1}, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw[0], dest); err != nil {
		return fmt.Errorf("store: decoding %s row: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in table matching the filters without
// transferring row data.
func (c *Client) Count(ctx context.Context, table string, filters ...Filter) (int, error) {
	v := url.Values{}
	for _, f := range filters {
		v.Set(f.Column, "eq."+f.Value)
	}
	v.Set("limit", "1")

	hdr := http.Header{}
	hdr.Set("Prefer", "count=exact")
	_, resp, err := c.do(ctx, http.MethodHead, table, v, nil, hdr)
	if err != nil {
		return 0, err
	}
	// Content-Range: 0-0/42 - the total follows the slash.
	cr := resp.Get("Content-Range")
	idx := strings.LastIndex(cr, "/")
	if idx < 0 {
		return 0, fmt.Errorf("store: missing count in range header %q", cr)
	}
	n, err := strconv.Atoi(cr[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("store: bad count in range header %q: %w", cr, err)
	}
	return n, nil
}

// Insert appends a row to table.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encoding %s row: %w", table, err)
	}
	_, _, err = c.do(ctx, http.MethodPost, table, nil, body, nil)
	return err
}

// Upsert inserts a row into table, replacing any existing row that shares
// the conflict columns (comma-separated column list).
func (c *Client) Upsert(ctx context.Context, table, onConflict string, row any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encoding %s row: %w", table, err)
	}
	v := url.Values{}
	v.Set("on_conflict", onConflict)
	hdr := http.Header{}
	hdr.Set("Prefer", "resolution=merge-duplicates")
	_, _, err = c.do(ctx, http.MethodPost, table, v, body, hdr)
	return err
}

// Delete removes all rows in table matching the filters. At least one filter
// is required - unqualified deletes are refused client-side.
func (c *Client) Delete(ctx context.Context, table string, filters ...Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("store: refusing unfiltered delete on %s", table)
	}
	v := url.Values{}
	for _, f := range filters {
		v.Set(f.Column, "eq."+f.Value)
	}
	_, _, err := c.do(ctx, http.MethodDelete, table, v, nil, nil)
	return err
}

// CallProcedure invokes a named server-side procedure with a JSON argument
// object. The result body is discarded - procedures consumed by this client
// are fire-and-forget side effects.
func (c *Client) CallProcedure(ctx context.Context, name string, args any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("store: encoding %s args: %w", name, err)
	}
	_, _, err = c.do(ctx, http.MethodPost, "rpc/"+name, nil, body, nil)
	return err
}

// do performs one REST request against /rest/v1/{path} and returns the
// response body and headers. Non-2xx statuses are returned as errors -
// callers treat the datastore as all-or-nothing per call.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, hdr http.Header) ([]byte, http.Header, error) {
	u := c.baseURL + "/rest/v1/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("store: building request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range hdr {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("store: request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("store: reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.Header, fmt.Errorf("store: %s %s: status %d: %s",
			method, path, resp.StatusCode, truncate(raw, 200))
	}
	return raw, resp.Header, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
