package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/joescharf/commitbot/internal/models"
)

// ErrReadOnly is returned by write operations on a local checkout.
var ErrReadOnly = errors.New("local repository is read-only")

// CommitInfo is the metadata of one local commit.
type CommitInfo struct {
	SHA     string
	Author  string
	Subject string
	Message string
}

// Client defines read-only git operations on a local checkout.
// All methods take a path parameter so one client can serve any repo.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	Commit(path, rev string) (*CommitInfo, error)
	RemoteURL(path string) (string, error)
	ShowDiff(path, rev string) (string, error)
	RangeDiff(path, base, head string) (string, error)
	WorkingDiff(path string) (string, error)
	FileAt(path, rev, file string) (string, bool, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	out, err := gitRaw(path, args...)
	return strings.TrimSpace(out), err
}

// gitRaw returns untrimmed output; diffs need their trailing newline.
func gitRaw(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// Commit resolves rev and returns its metadata.
func (c *RealClient) Commit(path, rev string) (*CommitInfo, error) {
	out, err := gitCmd(path, "log", "-1", "--format=%H%x00%an%x00%s%x00%B", rev)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(out, "\x00", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("unexpected git log output for %s", rev)
	}
	return &CommitInfo{
		SHA:     parts[0],
		Author:  parts[1],
		Subject: parts[2],
		Message: strings.TrimSpace(parts[3]),
	}, nil
}

func (c *RealClient) RemoteURL(path string) (string, error) {
	out, err := gitCmd(path, "remote", "get-url", "origin")
	if err != nil {
		return "", nil // no remote is not an error
	}
	return out, nil
}

// ShowDiff returns the patch introduced by a single commit.
func (c *RealClient) ShowDiff(path, rev string) (string, error) {
	return gitRaw(path, "show", "--format=", "--no-color", "--no-ext-diff", rev)
}

// RangeDiff returns the diff of head against the merge base with base.
func (c *RealClient) RangeDiff(path, base, head string) (string, error) {
	return gitRaw(path, "diff", "--no-color", "--no-ext-diff", base+"..."+head)
}

// WorkingDiff returns staged and unstaged changes against HEAD.
func (c *RealClient) WorkingDiff(path string) (string, error) {
	return gitRaw(path, "diff", "--no-color", "--no-ext-diff", "HEAD")
}

// FileAt returns a file's content at rev. A file absent at rev yields found=false.
func (c *RealClient) FileAt(path, rev, file string) (string, bool, error) {
	if _, err := gitCmd(path, "cat-file", "-e", rev+":"+file); err != nil {
		return "", false, nil
	}
	out, err := gitRaw(path, "show", rev+":"+file)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// Local serves the read side of the hosting operations from a local checkout so
// runs can be previewed without a network. Every write returns ErrReadOnly.
type Local struct {
	client Client
	path   string
}

// NewLocal creates a read-only hosting adapter over the checkout at path.
func NewLocal(client Client, path string) *Local {
	return &Local{client: client, path: path}
}

func (l *Local) CommitDiff(ctx context.Context, repo models.Repo, sha string) (string, error) {
	return l.client.ShowDiff(l.path, sha)
}

func (l *Local) PullRequestDiff(ctx context.Context, repo models.Repo, number int) (string, error) {
	return "", fmt.Errorf("pull request #%d: not available in a local checkout", number)
}

func (l *Local) FileContent(ctx context.Context, repo models.Repo, path, ref string) (string, bool, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return l.client.FileAt(l.path, ref, path)
}

func (l *Local) PullRequestForCommit(ctx context.Context, repo models.Repo, sha string) (*PullRequestRef, error) {
	return nil, nil
}

func (l *Local) PostComment(ctx context.Context, repo models.Repo, target CommentTarget, marker, body string) (string, error) {
	return "", ErrReadOnly
}

func (l *Local) OpenOrUpdatePullRequest(ctx context.Context, repo models.Repo, spec PullRequestSpec) (string, error) {
	return "", ErrReadOnly
}

func (l *Local) CommitFile(ctx context.Context, repo models.Repo, spec CommitSpec) (string, error) {
	return "", ErrReadOnly
}

// ExtractOwnerRepo parses a GitHub remote URL and returns owner/repo.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	// Handle SSH: git@github.com:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path := strings.TrimSuffix(parts[1], ".git")
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 {
			return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
		}
		return segments[0], segments[1], nil
	}

	// Handle HTTPS: https://github.com/owner/repo.git
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return segments[0], segments[1], nil
}

// RepoFromRemote infers the hosting repository from the origin remote of a checkout.
func RepoFromRemote(c Client, path string) (models.Repo, error) {
	remote, err := c.RemoteURL(path)
	if err != nil {
		return models.Repo{}, err
	}
	if remote == "" {
		return models.Repo{}, fmt.Errorf("no origin remote in %s", path)
	}
	owner, name, err := ExtractOwnerRepo(remote)
	if err != nil {
		return models.Repo{}, err
	}
	return models.Repo{Owner: owner, Name: name}, nil
}
