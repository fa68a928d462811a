// Package sonarqube is a thin client for the SonarQube Web API, covering
// quality gate status, issues, measures, rules, hotspots, duplications, and
// analysis history.
package sonarqube

import (
	"context"
	"encoding/base64"
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

// ErrNotFound reports a lookup that matched nothing.
var ErrNotFound = errors.New("sonarqube: not found")

type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	pol     httputil.Policy
}

// NewClient builds a client for the given SonarQube host. The token is a user
// token sent as Basic auth with an empty password; an empty token sends no
// auth header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		pol:     httputil.DefaultPolicy(),
	}
}

// getJSON issues a GET against the Web API and decodes a 200 response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := httputil.Do(ctx, c.hc, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(c.token + ":"))
			req.Header.Set("Authorization", "Basic "+cred)
		}
		return req, nil
	}, c.pol)
	if err != nil {
		return fmt.Errorf("sonarqube GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("sonarqube GET %s: HTTP 404: %s: %w", path, msg, ErrNotFound)
		}
		return fmt.Errorf("sonarqube GET %s: HTTP %d: %s", path, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sonarqube: decode %s: %w", path, err)
	}
	return nil
}
