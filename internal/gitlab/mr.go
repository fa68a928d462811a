package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
)

// MergeRequest is the subset of MR fields the assistant uses.
type MergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	State        string `json:"state"`
	WebURL       string `json:"web_url"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
}

// MRChange is one changed file in an MR diff.
type MRChange struct {
	NewPath     string `json:"new_path"`
	OldPath     string `json:"old_path"`
	NewFile     bool   `json:"new_file"`
	DeletedFile bool   `json:"deleted_file"`
}

// Path returns the changed file's path, preferring the post-change name.
func (ch MRChange) Path() string {
	if ch.NewPath != "" {
		return ch.NewPath
	}
	return ch.OldPath
}

// MROpts describes a merge request to open.
type MROpts struct {
	SourceBranch       string
	TargetBranch       string
	Title              string
	Description        string
	RemoveSourceBranch bool
}

// CreateMR opens a merge request. If GitLab answers 409 because an MR already
// exists for the source branch, the existing open MR is returned instead.
func (c *Client) CreateMR(ctx context.Context, project string, opts MROpts) (*MergeRequest, error) {
	payload := map[string]interface{}{
		"source_branch":        opts.SourceBranch,
		"target_branch":        opts.TargetBranch,
		"title":                opts.Title,
		"description":          opts.Description,
		"remove_source_branch": opts.RemoveSourceBranch,
	}

	path := fmt.Sprintf("/projects/%s/merge_requests", projectSegment(project))
	resp, err := c.do(ctx, "POST", path, nil, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		existing, findErr := c.MRsBySource(ctx, project, opts.SourceBranch)
		if findErr == nil && len(existing) > 0 {
			log.Printf("gitlab: MR for %s already open, reusing !%d", opts.SourceBranch, existing[0].IID)
			return &existing[0], nil
		}
		return nil, apiError("POST", path, resp)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, apiError("POST", path, resp)
	}

	var mr MergeRequest
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("gitlab: decode merge request: %w", err)
	}
	return &mr, nil
}

// MRsBySource lists open merge requests whose source is the given branch.
func (c *Client) MRsBySource(ctx context.Context, project, sourceBranch string) ([]MergeRequest, error) {
	var mrs []MergeRequest
	path := fmt.Sprintf("/projects/%s/merge_requests", projectSegment(project))
	q := url.Values{"source_branch": {sourceBranch}, "state": {"opened"}}
	if err := c.getJSON(ctx, path, q, &mrs); err != nil {
		return nil, err
	}
	return mrs, nil
}

// MR fetches one merge request by its project-scoped IID.
func (c *Client) MR(ctx context.Context, project, iid string) (*MergeRequest, error) {
	var mr MergeRequest
	path := fmt.Sprintf("/projects/%s/merge_requests/%s", projectSegment(project), iid)
	if err := c.getJSON(ctx, path, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// MRChanges fetches the changed files of a merge request.
func (c *Client) MRChanges(ctx context.Context, project, iid string) ([]MRChange, error) {
	var out struct {
		Changes []MRChange `json:"changes"`
	}
	path := fmt.Sprintf("/projects/%s/merge_requests/%s/changes", projectSegment(project), iid)
	if err := c.getJSON(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

var mrNumberRe = regexp.MustCompile(`/merge_requests/(\d+)`)

// MRIIDFromURL extracts the merge request IID from a GitLab MR web URL.
func MRIIDFromURL(rawURL string) (string, bool) {
	m := mrNumberRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}
