// Package gitlab is a thin client for the GitLab REST v4 API, covering the
// endpoints webhook triage and the fix agent need: pipeline jobs and traces,
// repository files and commits, merge requests, and project lookup.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pipemedic/internal/httputil"
)

// ErrNotFound reports a 404 from the API. Callers check it with errors.Is.
var ErrNotFound = errors.New("gitlab: not found")

type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	pol     httputil.Policy
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		pol:     httputil.DefaultPolicy(),
	}
}

// NormalizeBaseURL trims whitespace and trailing slashes so path joins
// produce a single slash.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// projectSegment returns the project reference as a URL path segment. GitLab
// accepts either a numeric ID or a URL-encoded full path ("group%2Fapp").
func projectSegment(project string) string {
	if strings.Contains(project, "/") {
		return url.PathEscape(project)
	}
	return project
}

// do sends one API request through the retrying transport. The path is
// relative to /api/v4. A non-nil payload is sent as a JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}) (*http.Response, error) {
	u := c.baseURL + "/api/v4" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("gitlab: marshal payload: %w", err)
		}
		body = b
	}

	resp, err := httputil.Do(ctx, c.hc, func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("PRIVATE-TOKEN", c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, c.pol)
	if err != nil {
		return nil, fmt.Errorf("gitlab %s %s: %w", method, path, err)
	}
	return resp, nil
}

// getJSON issues a GET and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.do(ctx, "GET", path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError("GET", path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gitlab: decode %s: %w", path, err)
	}
	return nil
}

// apiError drains the response body into the error message, truncated so a
// proxy's HTML error page cannot flood the logs. 404s wrap ErrNotFound.
func apiError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("gitlab %s %s: HTTP 404: %s: %w", method, path, msg, ErrNotFound)
	}
	return fmt.Errorf("gitlab %s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
}
