package git

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/joescharf/commitbot/internal/logging"
	"github.com/joescharf/commitbot/internal/models"
)

// PullRequestRef is the subset of a pull request the bot cares about.
type PullRequestRef struct {
	Number  int
	Title   string
	Base    string
	Head    string
	HTMLURL string
}

// CommentTarget selects where a comment lands: the pull request conversation when
// PRNumber is set, otherwise the commit.
type CommentTarget struct {
	PRNumber int
	CommitID string
}

// PullRequestSpec describes a single-file change proposed on a bot-owned branch.
type PullRequestSpec struct {
	Branch        string
	Base          string
	Title         string
	Body          string
	Path          string
	Content       string
	CommitMessage string
}

// CommitSpec describes a single-file commit directly on a branch.
type CommitSpec struct {
	Branch  string
	Path    string
	Content string
	Message string
}

// GitHub implements the hosting operations over the GitHub REST API.
type GitHub struct {
	client *github.Client
	retry  RetryConfig
	log    *logging.Logger
}

// NewGitHubClient creates a GitHub client authenticated with a static token.
// baseURL overrides the API root, e.g. https://ghe.example.com/api/v3/.
func NewGitHubClient(ctx context.Context, token, baseURL string, log *logging.Logger) (*GitHub, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	if log == nil {
		log = logging.Nop()
	}

	return &GitHub{client: client, retry: DefaultRetryConfig(), log: log.Named("github")}, nil
}

// WithRetry returns a copy using the given retry policy.
func (g *GitHub) WithRetry(cfg RetryConfig) *GitHub {
	c := *g
	c.retry = cfg
	return &c
}

func (g *GitHub) do(ctx context.Context, name string, op func() (*github.Response, error)) error {
	return retry(ctx, g.retry, g.log, name, op)
}

// CommitDiff returns the unified diff of a single commit.
func (g *GitHub) CommitDiff(ctx context.Context, repo models.Repo, sha string) (string, error) {
	var out string
	err := g.do(ctx, "get commit diff", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		out, resp, err = g.client.Repositories.GetCommitRaw(ctx, repo.Owner, repo.Name, sha, github.RawOptions{Type: github.Diff})
		return resp, err
	})
	return out, err
}

// PullRequestDiff returns the unified diff of a pull request against its base.
func (g *GitHub) PullRequestDiff(ctx context.Context, repo models.Repo, number int) (string, error) {
	var out string
	err := g.do(ctx, "get pull request diff", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		out, resp, err = g.client.PullRequests.GetRaw(ctx, repo.Owner, repo.Name, number, github.RawOptions{Type: github.Diff})
		return resp, err
	})
	return out, err
}

// FileContent returns a file's text at ref. A missing file is reported with
// found=false and no error.
func (g *GitHub) FileContent(ctx context.Context, repo models.Repo, path, ref string) (string, bool, error) {
	content, _, found, err := g.fileWithSHA(ctx, repo, path, ref)
	return content, found, err
}

func (g *GitHub) fileWithSHA(ctx context.Context, repo models.Repo, path, ref string) (content, sha string, found bool, err error) {
	var file *github.RepositoryContent
	err = g.do(ctx, "get contents", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		file, _, resp, err = g.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, &github.RepositoryContentGetOptions{Ref: ref})
		return resp, err
	})
	if IsNotFound(err) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	if file == nil {
		return "", "", false, fmt.Errorf("%s is a directory", path)
	}
	content, err = file.GetContent()
	if err != nil {
		return "", "", false, fmt.Errorf("decode %s: %w", path, err)
	}
	return content, file.GetSHA(), true, nil
}

// DefaultBranch returns the repository's default branch.
func (g *GitHub) DefaultBranch(ctx context.Context, repo models.Repo) (string, error) {
	var r *github.Repository
	err := g.do(ctx, "get repository", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		r, resp, err = g.client.Repositories.Get(ctx, repo.Owner, repo.Name)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return r.GetDefaultBranch(), nil
}

// PullRequestForCommit returns the pull request associated with a commit, preferring
// an open one. It returns nil when there is none.
func (g *GitHub) PullRequestForCommit(ctx context.Context, repo models.Repo, sha string) (*PullRequestRef, error) {
	var prs []*github.PullRequest
	err := g.do(ctx, "list pull requests for commit", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = g.client.PullRequests.ListPullRequestsWithCommit(ctx, repo.Owner, repo.Name, sha, &github.ListOptions{PerPage: 20})
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	var pick *github.PullRequest
	for _, pr := range prs {
		if pr.GetState() == "open" {
			pick = pr
			break
		}
	}
	if pick == nil {
		return nil, nil
	}
	return toRef(pick), nil
}

// PostComment posts body on the target. On a pull request, an earlier comment
// carrying marker is edited in place instead of adding a new one.
func (g *GitHub) PostComment(ctx context.Context, repo models.Repo, target CommentTarget, marker, body string) (string, error) {
	if marker != "" && !strings.Contains(body, marker) {
		body = marker + "\n" + body
	}

	if target.PRNumber == 0 {
		if target.CommitID == "" {
			return "", errors.New("comment target has neither pull request nor commit")
		}
		var c *github.RepositoryComment
		err := g.do(ctx, "create commit comment", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			c, resp, err = g.client.Repositories.CreateComment(ctx, repo.Owner, repo.Name, target.CommitID, &github.RepositoryComment{Body: github.String(body)})
			return resp, err
		})
		if err != nil {
			return "", err
		}
		return c.GetHTMLURL(), nil
	}

	existing, err := g.findComment(ctx, repo, target.PRNumber, marker)
	if err != nil {
		return "", err
	}

	var c *github.IssueComment
	if existing != nil {
		err = g.do(ctx, "edit comment", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			c, resp, err = g.client.Issues.EditComment(ctx, repo.Owner, repo.Name, existing.GetID(), &github.IssueComment{Body: github.String(body)})
			return resp, err
		})
	} else {
		err = g.do(ctx, "create comment", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			c, resp, err = g.client.Issues.CreateComment(ctx, repo.Owner, repo.Name, target.PRNumber, &github.IssueComment{Body: github.String(body)})
			return resp, err
		})
	}
	if err != nil {
		return "", err
	}
	return c.GetHTMLURL(), nil
}

func (g *GitHub) findComment(ctx context.Context, repo models.Repo, number int, marker string) (*github.IssueComment, error) {
	if marker == "" {
		return nil, nil
	}
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var comments []*github.IssueComment
		var resp *github.Response
		err := g.do(ctx, "list comments", func() (*github.Response, error) {
			var err error
			comments, resp, err = g.client.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			if strings.Contains(c.GetBody(), marker) {
				return c, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}

// OpenOrUpdatePullRequest writes one file on a bot-owned branch and makes sure an
// open pull request exists for it. The branch is created from base when missing.
func (g *GitHub) OpenOrUpdatePullRequest(ctx context.Context, repo models.Repo, spec PullRequestSpec) (string, error) {
	base := spec.Base
	if base == "" {
		var err error
		if base, err = g.DefaultBranch(ctx, repo); err != nil {
			return "", err
		}
	}

	if err := g.ensureBranch(ctx, repo, spec.Branch, base); err != nil {
		return "", err
	}

	if _, err := g.CommitFile(ctx, repo, CommitSpec{
		Branch:  spec.Branch,
		Path:    spec.Path,
		Content: spec.Content,
		Message: spec.CommitMessage,
	}); err != nil {
		return "", err
	}

	var open []*github.PullRequest
	err := g.do(ctx, "list pull requests", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		open, resp, err = g.client.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
			State: "open",
			Head:  repo.Owner + ":" + spec.Branch,
			Base:  base,
		})
		return resp, err
	})
	if err != nil {
		return "", err
	}

	var pr *github.PullRequest
	if len(open) > 0 {
		number := open[0].GetNumber()
		err = g.do(ctx, "edit pull request", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			pr, resp, err = g.client.PullRequests.Edit(ctx, repo.Owner, repo.Name, number, &github.PullRequest{
				Title: github.String(spec.Title),
				Body:  github.String(spec.Body),
			})
			return resp, err
		})
	} else {
		err = g.do(ctx, "create pull request", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			pr, resp, err = g.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
				Title: github.String(spec.Title),
				Head:  github.String(spec.Branch),
				Base:  github.String(base),
				Body:  github.String(spec.Body),
			})
			return resp, err
		})
	}
	if err != nil {
		return "", err
	}
	return pr.GetHTMLURL(), nil
}

func (g *GitHub) ensureBranch(ctx context.Context, repo models.Repo, branch, base string) error {
	err := g.do(ctx, "get branch ref", func() (*github.Response, error) {
		_, resp, err := g.client.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
		return resp, err
	})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	var baseRef *github.Reference
	err = g.do(ctx, "get base ref", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		baseRef, resp, err = g.client.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+base)
		return resp, err
	})
	if err != nil {
		return err
	}

	return g.do(ctx, "create branch", func() (*github.Response, error) {
		_, resp, err := g.client.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: baseRef.Object.SHA},
		})
		return resp, err
	})
}

// CommitFile creates or replaces one file on a branch and returns the commit URL.
func (g *GitHub) CommitFile(ctx context.Context, repo models.Repo, spec CommitSpec) (string, error) {
	_, sha, found, err := g.fileWithSHA(ctx, repo, spec.Path, spec.Branch)
	if err != nil {
		return "", err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(spec.Message),
		Content: []byte(spec.Content),
		Branch:  github.String(spec.Branch),
	}

	var res *github.RepositoryContentResponse
	if found {
		opts.SHA = github.String(sha)
		err = g.do(ctx, "update file", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			res, resp, err = g.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, spec.Path, opts)
			return resp, err
		})
	} else {
		err = g.do(ctx, "create file", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			res, resp, err = g.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, spec.Path, opts)
			return resp, err
		})
	}
	if err != nil {
		return "", err
	}
	return res.Commit.GetHTMLURL(), nil
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func toRef(pr *github.PullRequest) *PullRequestRef {
	return &PullRequestRef{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Base:    pr.GetBase().GetRef(),
		Head:    pr.GetHead().GetRef(),
		HTMLURL: pr.GetHTMLURL(),
	}
}
