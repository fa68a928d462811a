package sonarqube

import (
	"context"
	"net/url"
	"strconv"
)

// QualityGate is a project's gate status with the conditions that produced it.
type QualityGate struct {
	Status     string          `json:"status"`
	Conditions []GateCondition `json:"conditions"`
}

// GateCondition is one evaluated gate condition.
type GateCondition struct {
	Status         string `json:"status"`
	MetricKey      string `json:"metricKey"`
	Comparator     string `json:"comparator"`
	ErrorThreshold string `json:"errorThreshold"`
	ActualValue    string `json:"actualValue"`
}

// QualityGate fetches the current gate status for a project.
func (c *Client) QualityGate(ctx context.Context, projectKey string) (*QualityGate, error) {
	var out struct {
		ProjectStatus QualityGate `json:"projectStatus"`
	}
	q := url.Values{"projectKey": {projectKey}}
	if err := c.getJSON(ctx, "/qualitygates/project_status", q, &out); err != nil {
		return nil, err
	}
	return &out.ProjectStatus, nil
}

// metricKeys is the measure set the assistant reports on.
const metricKeys = "bugs,vulnerabilities,code_smells,coverage,duplicated_lines_density,reliability_rating,security_rating,sqale_rating,ncloc"

type measure struct {
	Metric  string `json:"metric"`
	Value   string `json:"value"`
	Periods []struct {
		Value string `json:"value"`
	} `json:"periods"`
}

// Metrics fetches the standard measure set as a flat map. sqale_rating is
// renamed maintainability_rating; measures with only a period value use that,
// and measures with neither report "N/A".
func (c *Client) Metrics(ctx context.Context, projectKey string) (map[string]string, error) {
	var out struct {
		Component struct {
			Measures []measure `json:"measures"`
		} `json:"component"`
	}
	q := url.Values{"component": {projectKey}, "metricKeys": {metricKeys}}
	if err := c.getJSON(ctx, "/measures/component", q, &out); err != nil {
		return nil, err
	}

	metrics := make(map[string]string, len(out.Component.Measures))
	for _, m := range out.Component.Measures {
		key := m.Metric
		if key == "sqale_rating" {
			key = "maintainability_rating"
		}
		switch {
		case m.Value != "":
			metrics[key] = m.Value
		case len(m.Periods) > 0 && m.Periods[0].Value != "":
			metrics[key] = m.Periods[0].Value
		default:
			metrics[key] = "N/A"
		}
	}
	return metrics, nil
}

// Analysis is one entry of a project's analysis history.
type Analysis struct {
	Key            string `json:"key"`
	Date           string `json:"date"`
	ProjectVersion string `json:"projectVersion"`
	Revision       string `json:"revision"`
}

// Analyses lists recent analyses, newest first. branch narrows to one branch
// when non-empty.
func (c *Client) Analyses(ctx context.Context, projectKey, branch string, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{"project": {projectKey}, "ps": {strconv.Itoa(limit)}}
	if branch != "" {
		q.Set("branch", branch)
	}
	var out struct {
		Analyses []Analysis `json:"analyses"`
	}
	if err := c.getJSON(ctx, "/project_analyses/search", q, &out); err != nil {
		return nil, err
	}
	return out.Analyses, nil
}
