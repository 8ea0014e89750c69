package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

// GitLab manages CI/CD variables of one project.
type GitLab struct {
	base    string
	project string
	c       *client
}

// Variable is a project-level CI/CD variable.
type Variable struct {
	Key              string `json:"key"`
	Value            string `json:"value"`
	VariableType     string `json:"variable_type,omitempty"`
	Protected        bool   `json:"protected"`
	Masked           bool   `json:"masked"`
	EnvironmentScope string `json:"environment_scope,omitempty"`
}

// Upsert actions.
const (
	ActionUpdated = "updated"
	ActionCreated = "created"
)

// NewGitLab creates a client for project (numeric id or "group/name" path).
func NewGitLab(baseURL, project, token string) (*GitLab, error) {
	if token == "" {
		return nil, faults.ConfigMissing("GITLAB_TOKEN", "required to manage CI/CD variables")
	}
	if project == "" {
		return nil, faults.ConfigMissing("GITLAB_PROJECT_ID", "required to manage CI/CD variables")
	}
	if baseURL == "" {
		baseURL = "https://gitlab.com"
	}
	auth := func(r *http.Request) { r.Header.Set("PRIVATE-TOKEN", token) }
	return &GitLab{
		base:    strings.TrimRight(baseURL, "/"),
		project: project,
		c:       newClient("GITLAB_TOKEN", auth, "forge.gitlab"),
	}, nil
}

func (g *GitLab) variablesURL() string {
	return fmt.Sprintf("%s/api/v4/projects/%s/variables", g.base, url.PathEscape(g.project))
}

// UpsertVariable updates v, creating it when the project does not have it yet.
// It returns ActionUpdated or ActionCreated.
func (g *GitLab) UpsertVariable(ctx context.Context, v Variable) (string, error) {
	if v.Key == "" {
		return "", faults.ConfigMissing("key", "variable key is required")
	}

	err := g.c.do(ctx, http.MethodPut, g.variablesURL()+"/"+url.PathEscape(v.Key), v, nil)
	if err == nil {
		g.c.log.Info("ci variable updated", "key", v.Key, "masked", v.Masked)
		return ActionUpdated, nil
	}
	if !IsStatus(err, http.StatusNotFound) {
		return "", fmt.Errorf("update variable %s: %w", v.Key, err)
	}

	if err := g.c.do(ctx, http.MethodPost, g.variablesURL(), v, nil); err != nil {
		return "", fmt.Errorf("create variable %s: %w", v.Key, err)
	}
	g.c.log.Info("ci variable created", "key", v.Key, "masked", v.Masked)
	return ActionCreated, nil
}
