package forge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmoi-io/qmoi-heal/internal/faults"
)

func TestEnsurePRCreates(t *testing.T) {
	var created PRRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		assert.Equal(t, "/repos/qmoi/app/pulls", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "open", r.URL.Query().Get("state"))
			assert.Equal(t, "qmoi:auto-fix", r.URL.Query().Get("head"))
			assert.Equal(t, "main", r.URL.Query().Get("base"))
			w.Write([]byte(`[]`))
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"number":42,"html_url":"https://github.com/qmoi/app/pull/42","state":"open","title":"Auto fix","head":{"ref":"auto-fix"},"base":{"ref":"main"}}`))
		}
	}))
	defer srv.Close()

	gh, err := NewGitHub(srv.URL, "qmoi/app", "ghp_test")
	require.NoError(t, err)

	pr, err := gh.EnsurePR(context.Background(), PRRequest{Head: "auto-fix", Base: "main", Title: "Auto fix"})
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/qmoi/app/pull/42", pr.URL)
	assert.Equal(t, "auto-fix", pr.Head)
	assert.False(t, pr.Reused)
	assert.Equal(t, "Auto fix", created.Title)
}

func TestEnsurePRReusesOpen(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
		}
		w.Write([]byte(`[{"number":7,"html_url":"https://github.com/qmoi/app/pull/7","state":"open","head":{"ref":"auto-fix"},"base":{"ref":"main"}}]`))
	}))
	defer srv.Close()

	gh, err := NewGitHub(srv.URL, "qmoi/app", "t")
	require.NoError(t, err)
	pr, err := gh.EnsurePR(context.Background(), PRRequest{Head: "auto-fix", Base: "main"})
	require.NoError(t, err)

	assert.Equal(t, 0, posts)
	assert.Equal(t, 7, pr.Number)
	assert.True(t, pr.Reused)
}

func TestEnsurePRDefaultTitle(t *testing.T) {
	var created PRRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`[]`))
			return
		}
		json.NewDecoder(r.Body).Decode(&created)
		w.Write([]byte(`{"number":1}`))
	}))
	defer srv.Close()

	gh, _ := NewGitHub(srv.URL, "qmoi/app", "t")
	_, err := gh.EnsurePR(context.Background(), PRRequest{Head: "dev", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, "Merge dev into main", created.Title)
}

func TestGitHubErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, faults.ErrConfigurationMissing},
		{http.StatusNotFound, faults.ErrConfigurationMissing},
		{http.StatusUnprocessableEntity, faults.ErrConflict},
		{http.StatusBadGateway, faults.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"nope"}`, tt.status)
			}))
			defer srv.Close()

			gh, _ := NewGitHub(srv.URL, "qmoi/app", "t")
			_, err := gh.EnsurePR(context.Background(), PRRequest{Head: "a", Base: "b"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewGitHubValidates(t *testing.T) {
	_, err := NewGitHub("", "no-slash", "t")
	assert.ErrorIs(t, err, faults.ErrConfigurationMissing)
	assert.Contains(t, err.Error(), "GITHUB_REPOSITORY")

	_, err = NewGitHub("", "qmoi/app", "")
	assert.Contains(t, err.Error(), "GITHUB_TOKEN")
}

func TestUpsertVariableUpdates(t *testing.T) {
	var got Variable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "glpat-x", r.Header.Get("PRIVATE-TOKEN"))
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v4/projects/123/variables/DEPLOY_TOKEN", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	gl, err := NewGitLab(srv.URL, "123", "glpat-x")
	require.NoError(t, err)
	action, err := gl.UpsertVariable(context.Background(), Variable{Key: "DEPLOY_TOKEN", Value: "s3cret", Masked: true})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, action)
	assert.Equal(t, "s3cret", got.Value)
	assert.True(t, got.Masked)
}

func TestUpsertVariableCreatesOn404(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.EscapedPath())
		if r.Method == http.MethodPut {
			http.Error(w, `{"message":"404 Variable Not Found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	gl, _ := NewGitLab(srv.URL, "qmoi/app", "t")
	action, err := gl.UpsertVariable(context.Background(), Variable{Key: "API_URL", Value: "https://qmoi.app"})
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)
	assert.Equal(t, []string{
		"PUT /api/v4/projects/qmoi%2Fapp/variables/API_URL",
		"POST /api/v4/projects/qmoi%2Fapp/variables",
	}, methods)
}

func TestUpsertVariableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	gl, _ := NewGitLab(srv.URL, "1", "t")
	_, err := gl.UpsertVariable(context.Background(), Variable{Key: "K", Value: "v"})
	require.Error(t, err)
	assert.True(t, faults.Retryable(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestNewGitLabValidates(t *testing.T) {
	_, err := NewGitLab("", "1", "")
	assert.Contains(t, err.Error(), "GITLAB_TOKEN")
	_, err = NewGitLab("", "", "t")
	assert.Contains(t, err.Error(), "GITLAB_PROJECT_ID")
}
