package sonarqube

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Issue is one open issue from the issues search.
type Issue struct {
	Key       string `json:"key"`
	Rule      string `json:"rule"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Line      int    `json:"line"`
	Effort    string `json:"effort"`
}

// File returns the file path within the project. Component keys look like
// "projectKey:path/to/file"; the project key itself may contain colons.
func (i Issue) File() string {
	if idx := strings.LastIndex(i.Component, ":"); idx >= 0 {
		return i.Component[idx+1:]
	}
	return i.Component
}

// IssueFilter narrows an issues search. Types and Severities are
// comma-separated SonarQube enums (BUG,VULNERABILITY,CODE_SMELL and
// BLOCKER..INFO).
type IssueFilter struct {
	Types      string
	Severities string
	Limit      int
}

// Issues lists unresolved issues for a project.
func (c *Client) Issues(ctx context.Context, projectKey string, f IssueFilter) ([]Issue, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{
		"componentKeys": {projectKey},
		"ps":            {strconv.Itoa(limit)},
		"resolved":      {"false"},
	}
	if f.Types != "" {
		q.Set("types", f.Types)
	}
	if f.Severities != "" {
		q.Set("severities", f.Severities)
	}

	var out struct {
		Issues []Issue `json:"issues"`
	}
	if err := c.getJSON(ctx, "/issues/search", q, &out); err != nil {
		return nil, err
	}
	return out.Issues, nil
}

// Issue fetches one issue by key.
func (c *Client) Issue(ctx context.Context, issueKey string) (*Issue, error) {
	var out struct {
		Issues []Issue `json:"issues"`
	}
	if err := c.getJSON(ctx, "/issues/search", url.Values{"issues": {issueKey}}, &out); err != nil {
		return nil, err
	}
	if len(out.Issues) == 0 {
		return nil, fmt.Errorf("sonarqube: issue %s: %w", issueKey, ErrNotFound)
	}
	return &out.Issues[0], nil
}

// Rule is a rule's description and remediation guidance.
type Rule struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Type        string `json:"type"`
	HTMLDesc    string `json:"htmlDesc"`
	Remediation string `json:"remFnBaseEffort"`
}

// Rule fetches one rule by key.
func (c *Client) Rule(ctx context.Context, ruleKey string) (*Rule, error) {
	var out struct {
		Rule Rule `json:"rule"`
	}
	if err := c.getJSON(ctx, "/rules/show", url.Values{"key": {ruleKey}}, &out); err != nil {
		return nil, err
	}
	return &out.Rule, nil
}

// Hotspot is one security hotspot.
type Hotspot struct {
	Key                      string `json:"key"`
	RuleKey                  string `json:"ruleKey"`
	VulnerabilityProbability string `json:"vulnerabilityProbability"`
	Status                   string `json:"status"`
	Message                  string `json:"message"`
	Component                string `json:"component"`
	Line                     int    `json:"line"`
}

// Hotspots lists a project's security hotspots.
func (c *Client) Hotspots(ctx context.Context, projectKey string) ([]Hotspot, error) {
	q := url.Values{"projectKey": {projectKey}, "ps": {"500"}}
	var out struct {
		Hotspots []Hotspot `json:"hotspots"`
	}
	if err := c.getJSON(ctx, "/hotspots/search", q, &out); err != nil {
		return nil, err
	}
	return out.Hotspots, nil
}

// DupBlock is one block of a duplication group. Ref indexes the files map of
// the duplications response.
type DupBlock struct {
	From int    `json:"from"`
	Size int    `json:"size"`
	Ref  string `json:"_ref"`
}

// Duplication is a group of duplicated blocks.
type Duplication struct {
	Blocks []DupBlock `json:"blocks"`
}

// Duplications shows duplicated blocks for a component key, either a project
// or "project:path/to/file".
func (c *Client) Duplications(ctx context.Context, componentKey string) ([]Duplication, error) {
	var out struct {
		Duplications []Duplication `json:"duplications"`
	}
	if err := c.getJSON(ctx, "/duplications/show", url.Values{"key": {componentKey}}, &out); err != nil {
		return nil, err
	}
	return out.Duplications, nil
}
