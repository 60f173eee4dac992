package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clawd/internal/logging"
)

// GitHub is the source-control façade: a handful of REST calls the
// skills need, nothing more.
type GitHub struct {
	token   string
	owner   string
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// NewGitHub builds the adapter for one owner/org.
func NewGitHub(token, owner string) *GitHub {
	return &GitHub{
		token:   token,
		owner:   owner,
		baseURL: "https://api.github.com",
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logging.Get(logging.CategoryAdapters),
	}
}

// Repo is the subset of repository metadata the skills consume.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	PushedAt      string `json:"pushed_at"`
}

// Issue covers both issues and pull requests in list responses.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Body   string `json:"body"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	HTMLURL string `json:"html_url"`
}

// PullRequest is the detail shape for one PR.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Body    string `json:"body"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// WorkflowRun is one CI run.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

// Commit is one commit in a listing.
type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

func (g *GitHub) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListRepos returns the owner's repositories, most recently pushed first.
func (g *GitHub) ListRepos(ctx context.Context, limit int) ([]Repo, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	var repos []Repo
	path := fmt.Sprintf("/users/%s/repos?sort=pushed&per_page=%d", g.owner, limit)
	return repos, g.do(ctx, http.MethodGet, path, nil, &repos)
}

// ReadFile fetches one file's decoded contents at the default branch.
func (g *GitHub) ReadFile(ctx context.Context, repo, path string) (string, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	p := fmt.Sprintf("/repos/%s/%s/contents/%s", g.owner, repo, url.PathEscape(path))
	if err := g.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return "", err
	}
	if out.Encoding != "base64" {
		return out.Content, nil
	}
	raw, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return string(raw), nil
}

// SearchCode runs a code search scoped to the owner.
func (g *GitHub) SearchCode(ctx context.Context, query string) ([]string, error) {
	var out struct {
		Items []struct {
			Path       string `json:"path"`
			Repository struct {
				Name string `json:"name"`
			} `json:"repository"`
		} `json:"items"`
	}
	q := url.QueryEscape(fmt.Sprintf("%s user:%s", query, g.owner))
	if err := g.do(ctx, http.MethodGet, "/search/code?q="+q, nil, &out); err != nil {
		return nil, err
	}
	var hits []string
	for _, it := range out.Items {
		hits = append(hits, it.Repository.Name+"/"+it.Path)
	}
	return hits, nil
}

// ListBranches lists branch names for a repo.
func (g *GitHub) ListBranches(ctx context.Context, repo string) ([]string, error) {
	var out []struct {
		Name string `json:"name"`
	}
	p := fmt.Sprintf("/repos/%s/%s/branches", g.owner, repo)
	if err := g.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, len(out))
	for i, b := range out {
		names[i] = b.Name
	}
	return names, nil
}

// ListCommits returns recent commits on the default branch.
func (g *GitHub) ListCommits(ctx context.Context, repo string, limit int) ([]Commit, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var commits []Commit
	p := fmt.Sprintf("/repos/%s/%s/commits?per_page=%d", g.owner, repo, limit)
	return commits, g.do(ctx, http.MethodGet, p, nil, &commits)
}

// GetPR fetches one pull request.
func (g *GitHub) GetPR(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	p := fmt.Sprintf("/repos/%s/%s/pulls/%d", g.owner, repo, number)
	if err := g.do(ctx, http.MethodGet, p, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListPRs lists open pull requests.
func (g *GitHub) ListPRs(ctx context.Context, repo string) ([]PullRequest, error) {
	var prs []PullRequest
	p := fmt.Sprintf("/repos/%s/%s/pulls?state=open", g.owner, repo)
	return prs, g.do(ctx, http.MethodGet, p, nil, &prs)
}

// ListIssues lists open issues.
func (g *GitHub) ListIssues(ctx context.Context, repo string) ([]Issue, error) {
	var issues []Issue
	p := fmt.Sprintf("/repos/%s/%s/issues?state=open", g.owner, repo)
	return issues, g.do(ctx, http.MethodGet, p, nil, &issues)
}

// CreateIssue opens a new issue and returns its number.
func (g *GitHub) CreateIssue(ctx context.Context, repo, title, body string) (int, error) {
	var out Issue
	p := fmt.Sprintf("/repos/%s/%s/issues", g.owner, repo)
	err := g.do(ctx, http.MethodPost, p, map[string]string{"title": title, "body": body}, &out)
	return out.Number, err
}

// CommentIssue adds a comment to an issue or PR.
func (g *GitHub) CommentIssue(ctx context.Context, repo string, number int, body string) error {
	p := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", g.owner, repo, number)
	return g.do(ctx, http.MethodPost, p, map[string]string{"body": body}, nil)
}

// CloseIssue closes an issue.
func (g *GitHub) CloseIssue(ctx context.Context, repo string, number int) error {
	p := fmt.Sprintf("/repos/%s/%s/issues/%d", g.owner, repo, number)
	return g.do(ctx, http.MethodPatch, p, map[string]string{"state": "closed"}, nil)
}

// ListWorkflowRuns lists recent CI runs for a repo.
func (g *GitHub) ListWorkflowRuns(ctx context.Context, repo string, limit int) ([]WorkflowRun, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	var out struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	p := fmt.Sprintf("/repos/%s/%s/actions/runs?per_page=%d", g.owner, repo, limit)
	if err := g.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.WorkflowRuns, nil
}

// DispatchWorkflow triggers a workflow on a ref.
func (g *GitHub) DispatchWorkflow(ctx context.Context, repo, workflowFile, ref string) error {
	p := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches", g.owner, repo, workflowFile)
	return g.do(ctx, http.MethodPost, p, map[string]string{"ref": ref}, nil)
}

// GetWorkflowRun fetches one CI run by id.
func (g *GitHub) GetWorkflowRun(ctx context.Context, repo string, id int64) (*WorkflowRun, error) {
	var run WorkflowRun
	p := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", g.owner, repo, id)
	if err := g.do(ctx, http.MethodGet, p, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
