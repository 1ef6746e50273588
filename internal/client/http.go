package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/rpcerr"
)

// HTTPClient talks to the node's HTTP surface: health, info and the
// server-sent sync stream.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Health returns the status reported by GET /v1/health.
func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, "/v1/health", &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Info calls GET /v1/info with optional debug selectors.
func (c *HTTPClient) Info(ctx context.Context, debug ...string) (*api.InfoResponse, error) {
	path := "/v1/info"
	if len(debug) > 0 {
		path += "?" + url.Values{"debug": {strings.Join(debug, ",")}}.Encode()
	}
	var resp api.InfoResponse
	if err := c.doJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync opens GET /v1/sync and calls fn for every record until the node
// closes the session, fn returns an error, or ctx is done.
func (c *HTTPClient) Sync(ctx context.Context, cookies []protocol.SyncCookie, opts SyncOptions, fn func(*api.SyncStreamsResponse) error) error {
	q := url.Values{}
	for _, ck := range cookies {
		q.Add("cookie", protocol.EncodeCookie(ck))
	}
	if ms := opts.timeoutMs(); ms != nil {
		q.Set("timeout_ms", strconv.FormatInt(*ms, 10))
	}
	if opts.Shared {
		q.Set("shared", "true")
	}
	resp, err := c.do(ctx, "/v1/sync?"+q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readSSE(resp.Body, func(event string, data []byte) error {
		if event == "error" {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(data, &body)
			return fmt.Errorf("sync failed: %s", body.Error)
		}
		var rec api.SyncStreamsResponse
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding sync record: %w", err)
		}
		return fn(&rec)
	})
}

// readSSE parses a text/event-stream body. Comment lines are skipped.
func readSSE(r io.Reader, fn func(event string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if err := fn(event, []byte(strings.Join(data, "\n"))); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line, "data:"))
		}
	}
	return sc.Err()
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Code       rpcerr.Code
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		var errResp struct {
			Error string `json:"error"`
			Code  int32  `json:"code"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Code: rpcerr.Code(errResp.Code), Message: errResp.Error}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}

// doJSON performs a GET and decodes the JSON response into result.
func (c *HTTPClient) doJSON(ctx context.Context, path string, result any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
