package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Failure modes of the access-request handshake, distinguishable with
// errors.Is.
var (
	// ErrAuthRequired means the server demands pre-existing credentials
	// even to create an access request.
	ErrAuthRequired = errors.New("authentication required")

	// ErrUnsupported means the server does not implement access requests.
	ErrUnsupported = errors.New("access requests not supported")

	// ErrRejected means the operator explicitly denied the request.
	ErrRejected = errors.New("access request rejected")

	// ErrTimedOut means no decision arrived within the overall timeout.
	ErrTimedOut = errors.New("access request timed out")
)

const (
	accessRequestPath  = "/signalk/v1/access/requests"
	defaultPollTimeout = 120 * time.Second
)

// Key aliases tolerated in server responses. Servers differ on the exact
// field names, so discovery is by alias list rather than a fixed schema.
var (
	requestIDKeys  = []string{"requestId", "request_id", "id"}
	requestURLKeys = []string{"href", "statusUrl", "url"}
	approvalKeys   = []string{"approvalUrl", "approval_url"}
	tokenKeys      = []string{"token", "accessToken", "access_token", "jwt", "jwtToken"}
	stateKeys      = []string{"state", "status"}
)

// ApprovalHandler is told where an operator can approve a freshly created
// access request.
type ApprovalHandler func(requestID, approvalURL string)

// AccessRequestBuilder provides a fluent interface for configuring the
// access-request handshake.
type AccessRequestBuilder struct {
	serverURL   string
	clientID    string
	description string
	httpClient  *http.Client
	logger      *zap.Logger
	pollTimeout time.Duration
	onApproval  ApprovalHandler
}

// NewAccessRequest creates a builder with sensible defaults: a random
// clientId, a 10 second HTTP timeout and a 120 second overall poll timeout.
func NewAccessRequest() *AccessRequestBuilder {
	return &AccessRequestBuilder{
		clientID:    uuid.NewString(),
		description: "seastream Signal K client",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      zap.NewNop(),
		pollTimeout: defaultPollTimeout,
	}
}

// WithServerURL sets the REST base URL, e.g. "http://host:3000".
func (b *AccessRequestBuilder) WithServerURL(serverURL string) *AccessRequestBuilder {
	b.serverURL = strings.TrimSuffix(serverURL, "/")
	return b
}

// WithClientID overrides the generated clientId.
func (b *AccessRequestBuilder) WithClientID(clientID string) *AccessRequestBuilder {
	if clientID != "" {
		b.clientID = clientID
	}
	return b
}

// WithDescription sets the human-readable description shown to the operator.
func (b *AccessRequestBuilder) WithDescription(description string) *AccessRequestBuilder {
	if description != "" {
		b.description = description
	}
	return b
}

// WithHTTPClient sets the HTTP client used for create and poll calls.
func (b *AccessRequestBuilder) WithHTTPClient(client *http.Client) *AccessRequestBuilder {
	if client != nil {
		b.httpClient = client
	}
	return b
}

// WithLogger sets the logger.
func (b *AccessRequestBuilder) WithLogger(logger *zap.Logger) *AccessRequestBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithTimeout sets the overall deadline for the poll phase.
func (b *AccessRequestBuilder) WithTimeout(timeout time.Duration) *AccessRequestBuilder {
	if timeout > 0 {
		b.pollTimeout = timeout
	}
	return b
}

// WithApprovalHandler registers a callback invoked once the request is
// created, carrying the URL an operator can use to approve it.
func (b *AccessRequestBuilder) WithApprovalHandler(handler ApprovalHandler) *AccessRequestBuilder {
	b.onApproval = handler
	return b
}

// Build validates the configuration and returns the handshake runner.
func (b *AccessRequestBuilder) Build() (*AccessRequest, error) {
	if b.serverURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}

	return &AccessRequest{
		serverURL:   b.serverURL,
		clientID:    b.clientID,
		description: b.description,
		httpClient:  b.httpClient,
		logger:      b.logger,
		pollTimeout: b.pollTimeout,
		onApproval:  b.onApproval,
		delays: []time.Duration{
			1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
		},
		sleep: sleepCtx,
	}, nil
}

// AccessRequest runs the two-phase interactive handshake: create a request
// against the REST surface, then poll its status until a token is granted,
// the operator rejects it, or the overall timeout elapses.
type AccessRequest struct {
	serverURL   string
	clientID    string
	description string
	httpClient  *http.Client
	logger      *zap.Logger
	pollTimeout time.Duration
	onApproval  ApprovalHandler

	// Poll schedule; the last entry repeats. Overridable in tests.
	delays []time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// Request performs the full handshake and returns the granted token.
func (a *AccessRequest) Request(ctx context.Context) (string, error) {
	requestID, statusURL, approvalURL, err := a.create(ctx)
	if err != nil {
		return "", err
	}

	a.logger.Info("Access request created",
		zap.String("requestId", requestID),
		zap.String("approvalUrl", approvalURL))

	if a.onApproval != nil && approvalURL != "" {
		a.onApproval(requestID, approvalURL)
	}

	return a.poll(ctx, statusURL)
}

// create POSTs the access request and extracts the request id, status URL
// and approval URL from the tolerant response shape.
func (a *AccessRequest) create(ctx context.Context) (requestID, statusURL, approvalURL string, err error) {
	body, err := json.Marshal(map[string]any{
		"clientId":    a.clientID,
		"description": a.description,
		"permissions": []map[string]any{{
			"context": "vessels.self",
			"resources": []map[string]any{
				{"path": "*", "read": true, "write": false},
			},
		}},
	})
	if err != nil {
		return "", "", "", fmt.Errorf("encoding access request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.serverURL+accessRequestPath, bytes.NewReader(body))
	if err != nil {
		return "", "", "", fmt.Errorf("building access request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("creating access request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", "", fmt.Errorf("creating access request: %w", ErrAuthRequired)
	case resp.StatusCode >= 400:
		return "", "", "", fmt.Errorf("creating access request: server returned %d: %w",
			resp.StatusCode, ErrUnsupported)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		doc = nil
	}

	requestID = extractRequestID(doc, resp.Header.Get("Location"))
	approvalURL = firstString(doc, approvalKeys)

	statusURL = a.resolveURL(firstString(doc, requestURLKeys))
	if statusURL == "" && requestID != "" {
		statusURL = a.serverURL + accessRequestPath + "/" + requestID
	}
	if statusURL == "" {
		return "", "", "", fmt.Errorf("creating access request: no request id in response: %w", ErrUnsupported)
	}

	return requestID, statusURL, approvalURL, nil
}

// poll GETs the status URL on the backoff schedule until a token appears,
// the request is rejected, or the overall timeout elapses. The first poll
// happens immediately; the schedule applies between polls.
func (a *AccessRequest) poll(ctx context.Context, statusURL string) (string, error) {
	deadline := time.Now().Add(a.pollTimeout)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := a.delays[min(attempt-1, len(a.delays)-1)]
			if time.Now().Add(delay).After(deadline) {
				return "", fmt.Errorf("waiting for access decision: %w", ErrTimedOut)
			}
			if err := a.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		doc, err := a.fetchStatus(ctx, statusURL)
		if err != nil {
			return "", err
		}
		if doc == nil {
			continue
		}

		if token := findString(doc, tokenKeys); token != "" {
			return token, nil
		}
		if isRejected(doc) {
			return "", fmt.Errorf("access decision: %w", ErrRejected)
		}

		a.logger.Debug("Access request still pending", zap.Int("attempt", attempt+1))
	}
}

// fetchStatus tolerates transient failures: a nil doc with nil error means
// "try again later".
func (a *AccessRequest) fetchStatus(ctx context.Context, statusURL string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Debug("Access request status fetch failed", zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("fetching access decision: %w", ErrAuthRequired)
	}
	if resp.StatusCode >= 400 {
		a.logger.Debug("Access request status fetch failed",
			zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, nil
	}

	return doc, nil
}

// resolveURL makes server-relative hrefs absolute.
func (a *AccessRequest) resolveURL(ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(a.serverURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}

// extractRequestID tries the id aliases, then falls back to the last path
// segment of any URL-ish field or the Location header.
func extractRequestID(doc map[string]any, location string) string {
	if id := firstString(doc, requestIDKeys); id != "" {
		return id
	}
	if ref := firstString(doc, requestURLKeys); ref != "" {
		return lastSegment(ref)
	}
	if location != "" {
		return lastSegment(location)
	}
	return ""
}

func lastSegment(ref string) string {
	trimmed := strings.TrimSuffix(ref, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// firstString checks only the top level of a decoded object.
func firstString(doc map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := doc[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// findString searches a decoded JSON document recursively for the first
// non-empty string under any of the given keys. At each object the alias
// keys are tried before descending.
func findString(doc any, keys []string) string {
	switch v := doc.(type) {
	case map[string]any:
		if s := firstString(v, keys); s != "" {
			return s
		}
		for _, nested := range v {
			if s := findString(nested, keys); s != "" {
				return s
			}
		}
	case []any:
		for _, item := range v {
			if s := findString(item, keys); s != "" {
				return s
			}
		}
	}
	return ""
}

// isRejected reports whether any state/status field carries an explicit
// rejection, case-insensitively.
func isRejected(doc any) bool {
	state := strings.ToLower(findString(doc, stateKeys))
	return state == "rejected" || state == "denied" || state == "revoked"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
