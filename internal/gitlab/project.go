package gitlab

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
)

// Project is the subset of project fields the assistant uses.
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Path              string `json:"path"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
	WebURL            string `json:"web_url"`
}

// Group is a GitLab namespace group.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Project fetches one project by numeric ID or full path.
func (c *Client) Project(ctx context.Context, project string) (*Project, error) {
	var p Project
	path := "/projects/" + projectSegment(project)
	if err := c.getJSON(ctx, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchProjects searches projects by name or path.
func (c *Client) SearchProjects(ctx context.Context, query string) ([]Project, error) {
	var projects []Project
	q := url.Values{"search": {query}, "simple": {"true"}}
	if err := c.getJSON(ctx, "/projects", q, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Client) searchGroups(ctx context.Context, query string) ([]Group, error) {
	var groups []Group
	if err := c.getJSON(ctx, "/groups", url.Values{"search": {query}}, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) groupProjects(ctx context.Context, groupID int64, query string) ([]Project, error) {
	var projects []Project
	path := fmt.Sprintf("/groups/%d/projects", groupID)
	if err := c.getJSON(ctx, path, url.Values{"search": {query}}, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ResolveProject maps a SonarQube project key to a GitLab project ID. Keys in
// the wild come in three shapes: a full path ("group/app"), a bare project
// name, or "group_app". Each shape gets its own lookup strategy; the first
// hit wins. No match reports ErrNotFound.
func (c *Client) ResolveProject(ctx context.Context, sonarKey string) (string, error) {
	// Full path keys resolve directly.
	if strings.Contains(sonarKey, "/") {
		if p, err := c.Project(ctx, sonarKey); err == nil {
			log.Printf("gitlab: resolved %s by path -> %d", sonarKey, p.ID)
			return strconv.FormatInt(p.ID, 10), nil
		}
	}

	// Search by the key as a name.
	projects, err := c.SearchProjects(ctx, sonarKey)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Name == sonarKey {
			log.Printf("gitlab: resolved %s by name -> %d", sonarKey, p.ID)
			return strconv.FormatInt(p.ID, 10), nil
		}
	}
	for _, p := range projects {
		if strings.HasSuffix(p.PathWithNamespace, "/"+sonarKey) {
			log.Printf("gitlab: resolved %s by path suffix -> %d", sonarKey, p.ID)
			return strconv.FormatInt(p.ID, 10), nil
		}
	}
	if len(projects) == 1 {
		log.Printf("gitlab: resolved %s by single search hit -> %d", sonarKey, projects[0].ID)
		return strconv.FormatInt(projects[0].ID, 10), nil
	}

	// "group_app" keys: search the group, then its projects.
	if group, name, ok := strings.Cut(sonarKey, "_"); ok {
		groups, err := c.searchGroups(ctx, group)
		if err != nil {
			return "", err
		}
		for _, g := range groups {
			if !strings.EqualFold(g.Name, group) {
				continue
			}
			candidates, err := c.groupProjects(ctx, g.ID, name)
			if err != nil {
				return "", err
			}
			for _, p := range candidates {
				if p.Name == name {
					log.Printf("gitlab: resolved %s in group %s -> %d", sonarKey, group, p.ID)
					return strconv.FormatInt(p.ID, 10), nil
				}
			}
		}
	}

	return "", fmt.Errorf("gitlab: no project matches sonarqube key %q: %w", sonarKey, ErrNotFound)
}
