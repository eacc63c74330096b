package cmd

import (
	"fmt"

	"github.com/joescharf/commitbot/internal/git"
)

const oneLineDiff = `diff --git a/main.go b/main.go
--- a/main.go
+++ b/main.go
@@ -1,2 +1,2 @@
 package main
-const name = "a"
+const name = "b"
`

const codeDiff = `diff --git a/handler.go b/handler.go
--- a/handler.go
+++ b/handler.go
@@ -1,1 +1,14 @@
 package app
+
+func Handle(in string) string {
+	if in == "" {
+		return "empty"
+	}
+	out := in
+	for i := 0; i < 3; i++ {
+		out += "!"
+	}
+	return out
+}
+
+var _ = Handle
`

// fakeGit is a git.Client over canned answers.
type fakeGit struct {
	diff    string
	remote  string
	branch  string
	files   map[string]string
	revs    []string
	noRepos bool
}

var _ git.Client = (*fakeGit)(nil)

func (f *fakeGit) RepoRoot(path string) (string, error) {
	if f.noRepos {
		return "", fmt.Errorf("not a git repository: %s", path)
	}
	return path, nil
}

func (f *fakeGit) CurrentBranch(string) (string, error) { return f.branch, nil }

func (f *fakeGit) Commit(_, rev string) (*git.CommitInfo, error) {
	return &git.CommitInfo{SHA: "abc1234def5678abc1234def5678abc1234def56", Author: "dev", Subject: "change " + rev, Message: "change " + rev}, nil
}

func (f *fakeGit) RemoteURL(string) (string, error) { return f.remote, nil }

func (f *fakeGit) ShowDiff(_, rev string) (string, error) {
	f.revs = append(f.revs, rev)
	return f.diff, nil
}

func (f *fakeGit) RangeDiff(_, base, head string) (string, error) {
	f.revs = append(f.revs, base+"..."+head)
	return f.diff, nil
}

func (f *fakeGit) WorkingDiff(string) (string, error) {
	f.revs = append(f.revs, "working")
	return f.diff, nil
}

func (f *fakeGit) FileAt(_, _, file string) (string, bool, error) {
	content, ok := f.files[file]
	return content, ok, nil
}
