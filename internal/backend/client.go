// Package backend is the HTTP client for the context-kit orchestration
// sidecar.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/health"
	"github.com/ashureev/contextkit-core/internal/observability"
	"github.com/ashureev/contextkit-core/internal/shared"
)

const maxResponseBytes = 1 << 20

var errEmptyStream = errors.New("stream ended without a terminal event")

// Client talks to the sidecar. Every call except health probes goes through
// the circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	stream     *http.Client
	breaker    *health.CircuitBreaker
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithBreaker guards calls with cb.
func WithBreaker(cb *health.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics records per-endpoint request counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the sidecar at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	// Streams are bounded by their context, not a client timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	c.stream = &streamClient
	if c.breaker == nil {
		c.breaker = health.NewCircuitBreaker(health.BreakerConfig{Name: "sidecar"})
	}
	return c
}

// BaseURL returns the sidecar base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *health.CircuitBreaker { return c.breaker }

// Health calls GET /assistant/health without the breaker.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/assistant/health", "health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe implements health.Prober.
func (c *Client) Probe(ctx context.Context) (health.Result, error) {
	resp, err := c.Health(ctx)
	if err != nil {
		return health.Result{}, err
	}
	status := resp.Status
	switch status {
	case domain.HealthHealthy, domain.HealthDegraded, domain.HealthUnhealthy:
	default:
		status = domain.HealthDegraded
	}
	return health.Result{Status: status, Message: resp.Message}, nil
}

// FetchCapabilities implements capability.Source.
func (c *Client) FetchCapabilities(ctx context.Context) (*domain.CapabilityProfile, error) {
	var out domain.CapabilityProfile
	if err := c.guarded(ctx, http.MethodGet, "/assistant/capabilities", "capabilities", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession opens the sidecar counterpart session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.guarded(ctx, http.MethodPost, "/assistant/sessions", "sessions.create", req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, shared.NewError(shared.CodeBackendUnavailable, "sidecar returned an empty session id")
	}
	return &out, nil
}

// SendMessage posts a message and returns the completed task envelope.
func (c *Client) SendMessage(ctx context.Context, sessionID, content, mode string) (*domain.TaskEnvelope, error) {
	var out sendMessageResponse
	path := "/assistant/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.guarded(ctx, http.MethodPost, path, "sessions.message", sendMessageRequest{Content: content, Mode: mode}, &out); err != nil {
		return nil, err
	}
	return &out.Task, nil
}

// ExecuteTool runs a tool on the sidecar. A response carrying an error
// string is returned as TOOL_EXECUTION_FAILED.
func (c *Client) ExecuteTool(ctx context.Context, sessionID string, req ExecuteToolRequest) (*ExecuteToolResponse, error) {
	if len(req.Parameters) == 0 {
		req.Parameters = json.RawMessage("{}")
	}
	var out ExecuteToolResponse
	path := "/assistant/sessions/" + url.PathEscape(sessionID) + "/tools/execute"
	if err := c.guarded(ctx, http.MethodPost, path, "tools.execute", req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return &out, shared.Errorf(shared.CodeToolExecutionFailed, "%s: %s", req.ToolID, out.Error)
	}
	return &out, nil
}

// RunPipeline runs a pipeline through the sidecar. A pipeline that exits
// non-zero is reported in the result, not as an error.
func (c *Client) RunPipeline(ctx context.Context, sessionID, repoPath string, req PipelineRequest) (*PipelineResult, error) {
	if req.Args == nil {
		req.Args = map[string]string{}
	}
	q := url.Values{"repo_path": {repoPath}}
	path := "/assistant/sessions/" + url.PathEscape(sessionID) + "/pipelines/run?" + q.Encode()
	var out PipelineResult
	if err := c.guarded(ctx, http.MethodPost, path, "pipelines.run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PreparePR asks the sidecar to prepare a pull request for the changes.
func (c *Client) PreparePR(ctx context.Context, sessionID string, req PRRequest) (map[string]any, error) {
	params, err := json.Marshal(map[string]any{
		"title":       req.Title,
		"description": req.Description,
		"changes":     req.Changes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pr request: %w", err)
	}
	resp, err := c.ExecuteTool(ctx, sessionID, ExecuteToolRequest{
		ToolID:     "pr.prepare",
		RepoPath:   req.RepoPath,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// StreamMessage opens the SSE message stream. The sequence ends after a
// task.completed event, or with an error for task.failed, error frames, or a
// stream that closes early.
func (c *Client) StreamMessage(ctx context.Context, sessionID, content, mode string) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		if err := c.breaker.Allow(); err != nil {
			yield(StreamEvent{}, shared.Normalize(err))
			return
		}

		q := url.Values{"content": {content}, "mode": {mode}}
		target := c.baseURL + "/assistant/sessions/" + url.PathEscape(sessionID) + "/stream?" + q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("build stream request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.stream.Do(req)
		if err != nil {
			err = shared.Normalize(fmt.Errorf("open message stream: %w", err))
			c.breaker.Record(err)
			c.metrics.SidecarRequest("sessions.stream", "error")
			yield(StreamEvent{}, err)
			return
		}
		defer resp.Body.Close()
		c.metrics.SidecarRequest("sessions.stream", strconv.Itoa(resp.StatusCode))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := statusError("sessions.stream", resp)
			c.breaker.Record(err)
			yield(StreamEvent{}, err)
			return
		}
		c.breaker.Record(nil)

		for data, err := range readSSE(resp.Body) {
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(StreamEvent{}, shared.Normalize(fmt.Errorf("read message stream: %w", err)))
				return
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.logger.Warn("Skipping malformed stream frame", "session_id", sessionID, "error", err)
				continue
			}
			switch ev.Type {
			case EventTaskFailed, EventError:
				msg := ev.Error
				if msg == "" {
					msg = "assistant stream failed"
				}
				yield(ev, shared.NewError(shared.CodeToolExecutionFailed, msg))
				return
			case EventTaskCompleted:
				yield(ev, nil)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if ctx.Err() != nil {
			yield(StreamEvent{}, shared.Normalize(ctx.Err()))
			return
		}
		yield(StreamEvent{}, shared.WrapError(shared.CodeBackendUnavailable, errEmptyStream))
	}
}

// readSSE yields the data payload of each event. Multi-line data fields are
// joined with newlines; comments and other fields are ignored.
func readSSE(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if len(data) > 0 {
					if !yield(strings.Join(data, "\n"), nil) {
						return
					}
					data = data[:0]
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
			return
		}
		if len(data) > 0 {
			yield(strings.Join(data, "\n"), nil)
		}
	}
}

func (c *Client) guarded(ctx context.Context, method, path, endpoint string, body, out any) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, method, path, endpoint, body, out)
	})
	if errors.Is(err, shared.ErrCircuitOpen) {
		c.metrics.SidecarRequest(endpoint, "circuit_open")
		return shared.Normalize(err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.SidecarRequest(endpoint, "error")
		return shared.Normalize(fmt.Errorf("sidecar %s: %w", endpoint, err))
	}
	defer resp.Body.Close()
	c.metrics.SidecarRequest(endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(endpoint, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return shared.Errorf(shared.CodeToolExecutionFailed, "decode %s response: %v", endpoint, err)
	}
	return nil
}

func statusError(endpoint string, resp *http.Response) *shared.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	message := detail(body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	msg := fmt.Sprintf("sidecar %s status %d: %s", endpoint, resp.StatusCode, message)

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(endpoint, "sessions."):
		return shared.NewError(shared.CodeSessionNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return shared.NewError(shared.CodeValidationError, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return shared.NewError(shared.CodeBackendUnavailable, msg)
	default:
		return shared.NewError(shared.CodeToolExecutionFailed, msg)
	}
}

// detail extracts FastAPI's {"detail": ...} message when present.
func detail(body []byte) string {
	var parsed struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != nil {
		if s, ok := parsed.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(parsed.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(body))
}
