package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

// GitHub creates pull requests in one repository.
type GitHub struct {
	api   string
	owner string
	repo  string
	c     *client
}

// PRRequest describes the pull request to open.
type PRRequest struct {
	Head  string `json:"head"`
	Base  string `json:"base"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Draft bool   `json:"draft,omitempty"`
}

// PullRequest is the subset of the GitHub pull request object qmoi-heal keeps.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	State  string `json:"state"`
	Title  string `json:"title"`
	Head   string `json:"head"`
	Base   string `json:"base"`
	// Reused is set when an already-open pull request was returned.
	Reused bool `json:"reused"`
}

type ghPull struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p ghPull) pullRequest(reused bool) PullRequest {
	return PullRequest{
		Number: p.Number,
		URL:    p.HTMLURL,
		State:  p.State,
		Title:  p.Title,
		Head:   p.Head.Ref,
		Base:   p.Base.Ref,
		Reused: reused,
	}
}

// NewGitHub creates a client for repository "owner/name".
func NewGitHub(api, repository, token string) (*GitHub, error) {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" {
		return nil, faults.ConfigMissing("GITHUB_REPOSITORY", fmt.Sprintf("expected owner/name, got %q", repository))
	}
	if token == "" {
		return nil, faults.ConfigMissing("GITHUB_TOKEN", "required to create pull requests")
	}
	if api == "" {
		api = "https://api.github.com"
	}
	auth := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	}
	return &GitHub{
		api:   strings.TrimRight(api, "/"),
		owner: owner,
		repo:  name,
		c:     newClient("GITHUB_TOKEN", auth, "forge.github"),
	}, nil
}

func (g *GitHub) pullsURL() string {
	return fmt.Sprintf("%s/repos/%s/%s/pulls", g.api, url.PathEscape(g.owner), url.PathEscape(g.repo))
}

// FindOpenPR returns the open pull request from head into base, if any.
func (g *GitHub) FindOpenPR(ctx context.Context, head, base string) (*PullRequest, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("head", g.owner+":"+head)
	if base != "" {
		q.Set("base", base)
	}
	var pulls []ghPull
	if err := g.c.do(ctx, http.MethodGet, g.pullsURL()+"?"+q.Encode(), nil, &pulls); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, faults.ConfigMissing("GITHUB_REPOSITORY", fmt.Sprintf("repository %s/%s not found", g.owner, g.repo))
		}
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	pr := pulls[0].pullRequest(true)
	return &pr, nil
}

// EnsurePR returns the open pull request for req.Head, creating one when none exists.
func (g *GitHub) EnsurePR(ctx context.Context, req PRRequest) (PullRequest, error) {
	if req.Head == "" || req.Base == "" {
		return PullRequest{}, faults.ConfigMissing("head/base", "both branches are required")
	}
	if req.Title == "" {
		req.Title = fmt.Sprintf("Merge %s into %s", req.Head, req.Base)
	}

	existing, err := g.FindOpenPR(ctx, req.Head, req.Base)
	if err != nil {
		return PullRequest{}, err
	}
	if existing != nil {
		g.c.log.Info("reusing open pull request", "number", existing.Number, "url", existing.URL)
		return *existing, nil
	}

	var created ghPull
	if err := g.c.do(ctx, http.MethodPost, g.pullsURL(), req, &created); err != nil {
		return PullRequest{}, fmt.Errorf("create pull request: %w", err)
	}
	g.c.log.Info("pull request created", "number", created.Number, "url", created.HTMLURL)
	return created.pullRequest(false), nil
}
