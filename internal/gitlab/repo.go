package gitlab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Commit is a repository commit.
type Commit struct {
	ID         string `json:"id"`
	ShortID    string `json:"short_id"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	AuthorName string `json:"author_name"`
	CreatedAt  string `json:"created_at"`
}

// FileAction is one entry in a commit's actions list.
type FileAction struct {
	Action   string `json:"action"` // create or update
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// CommitOpts describes a multi-file commit. StartBranch is set only when the
// target branch should be created from it.
type CommitOpts struct {
	Branch      string
	StartBranch string
	Message     string
	Actions     []FileAction
}

// File fetches a repository file at a ref. It tries the raw endpoint first,
// then falls back to the JSON files endpoint with base64 content. A missing
// file reports ErrNotFound.
func (c *Client) File(ctx context.Context, project, path, ref string) (string, error) {
	encoded := url.PathEscape(path)
	q := url.Values{"ref": {ref}}

	rawPath := fmt.Sprintf("/projects/%s/repository/files/%s/raw", projectSegment(project), encoded)
	resp, err := c.do(ctx, "GET", rawPath, q, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("gitlab: read file: %w", err)
		}
		return string(body), nil
	}
	rawErr := apiError("GET", rawPath, resp)
	resp.Body.Close()
	if errors.Is(rawErr, ErrNotFound) {
		return "", rawErr
	}

	// Raw endpoint unhappy for another reason; try the JSON form.
	jsonPath := fmt.Sprintf("/projects/%s/repository/files/%s", projectSegment(project), encoded)
	var file struct {
		Content string `json:"content"`
	}
	if err := c.getJSON(ctx, jsonPath, q, &file); err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(file.Content)
	if err != nil {
		return "", fmt.Errorf("gitlab: decode file content: %w", err)
	}
	return string(decoded), nil
}

// FileExists reports whether a file exists at a ref.
func (c *Client) FileExists(ctx context.Context, project, path, ref string) (bool, error) {
	jsonPath := fmt.Sprintf("/projects/%s/repository/files/%s", projectSegment(project), url.PathEscape(path))
	var file struct {
		FilePath string `json:"file_path"`
	}
	err := c.getJSON(ctx, jsonPath, url.Values{"ref": {ref}}, &file)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Commits lists the most recent commits on the default branch.
func (c *Client) Commits(ctx context.Context, project string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	var commits []Commit
	path := fmt.Sprintf("/projects/%s/repository/commits", projectSegment(project))
	q := url.Values{"per_page": {strconv.Itoa(limit)}}
	if err := c.getJSON(ctx, path, q, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// CreateCommit commits a batch of file actions, creating the branch from
// StartBranch when given.
func (c *Client) CreateCommit(ctx context.Context, project string, opts CommitOpts) (*Commit, error) {
	payload := map[string]interface{}{
		"branch":         opts.Branch,
		"commit_message": opts.Message,
		"actions":        opts.Actions,
	}
	if opts.StartBranch != "" {
		payload["start_branch"] = opts.StartBranch
	}

	path := fmt.Sprintf("/projects/%s/repository/commits", projectSegment(project))
	resp, err := c.do(ctx, "POST", path, nil, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, apiError("POST", path, resp)
	}
	var commit Commit
	if err := json.NewDecoder(resp.Body).Decode(&commit); err != nil {
		return nil, fmt.Errorf("gitlab: decode commit: %w", err)
	}
	return &commit, nil
}

// BranchExists reports whether a branch exists.
func (c *Client) BranchExists(ctx context.Context, project, branch string) (bool, error) {
	path := fmt.Sprintf("/projects/%s/repository/branches/%s", projectSegment(project), url.PathEscape(branch))
	var br struct {
		Name string `json:"name"`
	}
	err := c.getJSON(ctx, path, nil, &br)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
