package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// HTTPConfig configures the REST adapter.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPAdapter talks to a JSON REST service:
//
//	GET  /types/{type}/items?changed_since=RFC3339   -> {"ids": [...]}
//	GET  /types/{type}/items/{id}                    -> snapshot
//	PUT  /types/{type}/items/{id}                    -> snapshot
//	POST /types/{type}/items                         -> snapshot
//
// Requests carry "Authorization: Bearer <token>".
type HTTPAdapter struct {
	base   *url.URL
	token  string
	client *http.Client
	logger *slog.Logger
}

var _ Adapter = (*HTTPAdapter)(nil)

// listResponse is the body of the list endpoint.
type listResponse struct {
	IDs []string `json:"ids"`
}

// writeRequest is the body of PUT and POST.
type writeRequest struct {
	Fields types.Fields `json:"fields"`
	// BaseRevision is the revision the edit was made against.
	BaseRevision string `json:"base_revision,omitempty"`
}

// NewHTTPAdapter validates cfg and builds the adapter.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, syncerr.Config("remote.url is required")
	}
	if cfg.Token == "" {
		return nil, syncerr.Config("remote.token is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, syncerr.Config("remote.url %q is not an http(s) URL", cfg.BaseURL)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "remote")
	}
	return &HTTPAdapter{base: base, token: cfg.Token, client: client, logger: logger}, nil
}

func (a *HTTPAdapter) endpoint(segments ...string) string {
	u := *a.base
	var b strings.Builder
	b.WriteString(u.Path)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	u.Path = ""
	u.RawPath = ""
	return u.String() + b.String()
}

// ListChanged calls the list endpoint.
func (a *HTTPAdapter) ListChanged(ctx context.Context, typ string, w Window) ([]string, error) {
	target := a.endpoint("types", typ, "items")
	if !w.Full() {
		target += "?changed_since=" + url.QueryEscape(w.Since.UTC().Format(time.RFC3339))
	}
	var resp listResponse
	if err := a.do(ctx, http.MethodGet, target, nil, &resp, "list", typ, ""); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// FetchDetail calls the item endpoint.
func (a *HTTPAdapter) FetchDetail(ctx context.Context, typ, id string) (*types.RemoteSnapshot, error) {
	var snap types.RemoteSnapshot
	if err := a.do(ctx, http.MethodGet, a.endpoint("types", typ, "items", id), nil, &snap, "fetch", typ, id); err != nil {
		return nil, err
	}
	return normalizeSnapshot(&snap, typ, id), nil
}

// Apply creates with POST when rec has no revision, otherwise updates with
// PUT.
func (a *HTTPAdapter) Apply(ctx context.Context, typ string, rec *types.WorkItemRecord) (*types.RemoteSnapshot, error) {
	body := writeRequest{Fields: rec.Fields, BaseRevision: rec.Revision}
	method, target := http.MethodPut, a.endpoint("types", typ, "items", rec.ID)
	if rec.Revision == "" {
		method, target = http.MethodPost, a.endpoint("types", typ, "items")
	}

	var snap types.RemoteSnapshot
	if err := a.do(ctx, method, target, body, &snap, "apply", typ, rec.ID); err != nil {
		return nil, err
	}
	fallbackID := rec.ID
	if rec.Revision == "" {
		fallbackID = ""
	}
	out := normalizeSnapshot(&snap, typ, fallbackID)
	if out.ID == "" || out.Revision == "" {
		return nil, syncerr.Item(syncerr.CodeInternal, "apply", typ, rec.ID,
			errors.New("remote response lacks id or revision"))
	}
	return out, nil
}

func normalizeSnapshot(s *types.RemoteSnapshot, typ, id string) *types.RemoteSnapshot {
	if s.Type == "" {
		s.Type = typ
	}
	if s.ID == "" {
		s.ID = id
	}
	return s
}

func (a *HTTPAdapter) do(ctx context.Context, method, target string, in, out any, op, typ, id string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return syncerr.Item(syncerr.CodeInternal, op, typ, id, fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return syncerr.Item(syncerr.CodeInvalidConfig, op, typ, id, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyTransportError(err, op, typ, id)
	}
	defer resp.Body.Close()
	a.logger.Debug("remote request", "method", method, "url", target, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return syncerr.Item(syncerr.CodeTransient, op, typ, id, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(msg)))
	return classifyStatus(resp, cause, op, typ, id)
}

func classifyStatus(resp *http.Response, cause error, op, typ, id string) error {
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound || code == http.StatusGone:
		return syncerr.Item(syncerr.CodeNotFound, op, typ, id, cause)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return syncerr.New(syncerr.CodeInvalidConfig, op, cause)
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		e := syncerr.Item(syncerr.CodeRateLimited, op, typ, id, cause)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return e
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return syncerr.Item(syncerr.CodeStaleRevision, op, typ, id, cause)
	case code == http.StatusRequestTimeout || code >= 500:
		return syncerr.Item(syncerr.CodeTransient, op, typ, id, cause)
	default:
		return syncerr.Item(syncerr.CodeInternal, op, typ, id, cause)
	}
}

// classifyTransportError maps connection failures. An unresolvable host
// means the endpoint is misconfigured or gone; everything else is retried.
func classifyTransportError(err error, op, typ, id string) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return syncerr.New(syncerr.CodeRemoteUnavailable, op, err)
	}
	return syncerr.Item(syncerr.CodeTransient, op, typ, id, err)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
