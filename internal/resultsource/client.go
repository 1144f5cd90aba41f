// Package resultsource is the HTTP client for the scenario calculation service.
package resultsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cxd309/abm-engine/internal/poller"
)

// DefaultTimeout bounds a single request when Client.HTTP is nil.
const DefaultTimeout = 30 * time.Second

// UserKey is the payload field carrying the requesting user, when known.
const UserKey = "city_pyo_user"

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Client talks to a calculation service rooted at BaseURL. It satisfies
// poller.ResultSource.
type Client struct {
	BaseURL string
	// UserID, when set, is added to object payloads under UserKey.
	UserID string
	HTTP   *http.Client
	Logger *slog.Logger
}

var _ poller.ResultSource = (*Client)(nil)

// New returns a client for baseURL with the default timeout.
func New(baseURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing result source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("result source url %q: scheme must be http or https", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Logger:  logger.With("component", "resultsource"),
	}, nil
}

// FetchResult triggers a calculation and returns the task id.
func (c *Client) FetchResult(ctx context.Context, kind poller.Kind, payload json.RawMessage) (string, error) {
	body, err := c.withUser(payload)
	if err != nil {
		return "", err
	}
	var task struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("trigger_calculation", string(kind)), body, &task); err != nil {
		return "", err
	}
	if task.TaskID == "" {
		return "", errors.New("result source returned an empty task id")
	}
	c.logger().Debug("calculation triggered", "kind", kind, "task_id", task.TaskID)
	return task.TaskID, nil
}

// FetchStatus returns the current envelope of a task.
func (c *Client) FetchStatus(ctx context.Context, kind poller.Kind, taskID string) (poller.Envelope, error) {
	var env poller.Envelope
	if err := c.do(ctx, http.MethodGet, c.endpoint("check_result", string(kind), taskID), nil, &env); err != nil {
		return poller.Envelope{}, err
	}
	return env, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.BaseURL + "/" + strings.Join(escaped, "/")
}

// withUser adds UserKey to an object payload. Other payloads pass through.
func (c *Client) withUser(payload json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if c.UserID == "" || trimmed[0] != '{' {
		return trimmed, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("decoding scenario payload: %w", err)
	}
	user, err := json.Marshal(c.UserID)
	if err != nil {
		return nil, err
	}
	obj[UserKey] = user
	return json.Marshal(obj)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, URL: endpoint, Code: resp.StatusCode, Body: compact(data, 240)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// compact flattens body to a single line of at most limit bytes.
func compact(body []byte, limit int) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
