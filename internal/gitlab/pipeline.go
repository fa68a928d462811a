package gitlab

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Job is one pipeline job as returned by the jobs endpoint.
type Job struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Stage         string  `json:"stage"`
	Status        string  `json:"status"`
	FailureReason string  `json:"failure_reason"`
	WebURL        string  `json:"web_url"`
	Duration      float64 `json:"duration"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    string  `json:"finished_at"`
}

// PipelineJobs lists the jobs of a pipeline with status and stage.
func (c *Client) PipelineJobs(ctx context.Context, project, pipelineID string) ([]Job, error) {
	var jobs []Job
	path := fmt.Sprintf("/projects/%s/pipelines/%s/jobs", projectSegment(project), pipelineID)
	if err := c.getJSON(ctx, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// JobTrace fetches the raw log of a job. The trace endpoint returns plain
// text, not JSON.
func (c *Client) JobTrace(ctx context.Context, project, jobID string) (string, error) {
	path := fmt.Sprintf("/projects/%s/jobs/%s/trace", projectSegment(project), jobID)
	resp, err := c.do(ctx, "GET", path, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError("GET", path, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gitlab: read trace: %w", err)
	}
	return string(body), nil
}
