// Package gitrepo wraps the git operations the pipeline needs: shallow
// clones, fetches, name-status diffs and fast-forward merges. Tokens are
// passed as HTTP basic auth, never embedded in URLs, and every error leaving
// the package is scrubbed of credentials.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"git.home.luguber.info/inful/repowiki/internal/logfields"
	"git.home.luguber.info/inful/repowiki/internal/redact"
)

// Timeouts per operation; callers can override via config.
const (
	DefaultCloneTimeout = 10 * time.Minute
	DefaultFetchTimeout = 2 * time.Minute
	DefaultDiffTimeout  = time.Minute
)

// ErrDiverged is returned by FastForward when local and remote histories have
// diverged and a fast-forward is impossible.
var ErrDiverged = errors.New("local branch has diverged from remote")

// Client performs git operations against local clones.
type Client struct {
	CloneTimeout time.Duration
	FetchTimeout time.Duration
	DiffTimeout  time.Duration
}

// NewClient returns a Client with the default timeouts.
func NewClient() *Client {
	return &Client{
		CloneTimeout: DefaultCloneTimeout,
		FetchTimeout: DefaultFetchTimeout,
		DiffTimeout:  DefaultDiffTimeout,
	}
}

func auth(token string) *http.BasicAuth {
	if token == "" {
		return nil
	}
	// Username is ignored by GitHub/GitLab token auth but must be non-empty.
	return &http.BasicAuth{Username: "oauth2", Password: token}
}

func scrub(op string, err error) error {
	return fmt.Errorf("%s: %s", op, redact.Scrub(err.Error()))
}

// Changes is a name-status diff with renames decomposed into delete+add.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether no paths changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// All returns added+modified+deleted, each list sorted.
func (c Changes) All() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Deleted))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	out = append(out, c.Deleted...)
	sort.Strings(out)
	return out
}

// Clone shallow-clones the branch into dest and returns the HEAD commit hash.
// An existing dest is removed first so a half-finished previous clone cannot
// poison the new one.
func (c *Client) Clone(ctx context.Context, repoURL, token, branch, dest string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.CloneTimeout)
	defer cancel()

	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear clone target: %w", err)
	}
	opts := &git.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
		Auth:         auth(token),
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", scrub("clone", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", scrub("resolve HEAD after clone", err)
	}
	slog.Debug("cloned repository", logfields.URL(redact.Scrub(repoURL)), logfields.Branch(branch), logfields.Commit(ref.Hash().String()[:8]))
	return ref.Hash().String(), nil
}

// Fetch updates remote tracking refs. Already-up-to-date is not an error.
func (c *Client) Fetch(ctx context.Context, dir, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.FetchTimeout)
	defer cancel()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return scrub("open repository", err)
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{Auth: auth(token), Force: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return scrub("fetch", err)
	}
	return nil
}

// Head returns the current HEAD commit hash of the clone.
func (c *Client) Head(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", scrub("open repository", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", scrub("resolve HEAD", err)
	}
	return ref.Hash().String(), nil
}

// DiffNameStatus diffs HEAD against origin/<branch>. A rename becomes a
// delete of the old path plus an add of the new path, which keeps the
// downstream chunk bookkeeping a pure per-path affair.
func (c *Client) DiffNameStatus(ctx context.Context, dir, branch string) (Changes, error) {
	ctx, cancel := context.WithTimeout(ctx, c.DiffTimeout)
	defer cancel()

	var out Changes
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return out, scrub("open repository", err)
	}
	headRef, err := repo.Head()
	if err != nil {
		return out, scrub("resolve HEAD", err)
	}
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return out, scrub("resolve origin/"+branch, err)
	}
	if headRef.Hash() == remoteRef.Hash() {
		return out, nil
	}
	oldTree, err := commitTree(repo, headRef.Hash())
	if err != nil {
		return out, err
	}
	newTree, err := commitTree(repo, remoteRef.Hash())
	if err != nil {
		return out, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, oldTree, newTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return out, scrub("diff trees", err)
	}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return out, scrub("classify change", err)
		}
		switch {
		case action == merkletrie.Insert:
			out.Added = append(out.Added, ch.To.Name)
		case action == merkletrie.Delete:
			out.Deleted = append(out.Deleted, ch.From.Name)
		case ch.From.Name != ch.To.Name:
			// Rename: old path is gone, new path is new content.
			out.Deleted = append(out.Deleted, ch.From.Name)
			out.Added = append(out.Added, ch.To.Name)
		default:
			out.Modified = append(out.Modified, ch.To.Name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Modified)
	sort.Strings(out.Deleted)
	return out, nil
}

func commitTree(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, scrub("load commit "+hash.String()[:8], err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, scrub("load tree "+hash.String()[:8], err)
	}
	return tree, nil
}

// FastForward moves the local branch to origin/<branch>. It refuses with
// ErrDiverged when the remote is not a descendant of HEAD; the caller then
// falls back to a fresh clone.
func (c *Client) FastForward(ctx context.Context, dir, branch string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", scrub("open repository", err)
	}
	headRef, err := repo.Head()
	if err != nil {
		return "", scrub("resolve HEAD", err)
	}
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return "", scrub("resolve origin/"+branch, err)
	}
	if headRef.Hash() == remoteRef.Hash() {
		return headRef.Hash().String(), nil
	}
	ancestor, err := isAncestor(repo, headRef.Hash(), remoteRef.Hash())
	if err != nil {
		return "", err
	}
	if !ancestor {
		return "", ErrDiverged
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", scrub("open worktree", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: remoteRef.Hash(), Force: true}); err != nil {
		return "", scrub("checkout "+remoteRef.Hash().String()[:8], err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteRef.Hash())); err != nil {
		return "", scrub("advance branch ref", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return "", scrub("reattach HEAD", err)
	}
	return remoteRef.Hash().String(), nil
}

func isAncestor(repo *git.Repository, older, newer plumbing.Hash) (bool, error) {
	oldCommit, err := repo.CommitObject(older)
	if err != nil {
		return false, scrub("load commit", err)
	}
	newCommit, err := repo.CommitObject(newer)
	if err != nil {
		return false, scrub("load commit", err)
	}
	ok, err := oldCommit.IsAncestor(newCommit)
	if err != nil {
		return false, scrub("ancestor check", err)
	}
	return ok, nil
}

// CommitInfo is one entry of the pending commit list.
type CommitInfo struct {
	Hash    string
	Author  string
	Message string
	When    time.Time
}

// PendingCommits lists commits on origin/<branch> that HEAD does not have,
// newest first, capped at limit (0 = no cap).
func (c *Client) PendingCommits(ctx context.Context, dir, branch string, limit int) ([]CommitInfo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, scrub("open repository", err)
	}
	headRef, err := repo.Head()
	if err != nil {
		return nil, scrub("resolve HEAD", err)
	}
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return nil, scrub("resolve origin/"+branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: remoteRef.Hash()})
	if err != nil {
		return nil, scrub("log", err)
	}
	defer iter.Close()

	var out []CommitInfo
	stop := errors.New("stop")
	err = iter.ForEach(func(commit *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if commit.Hash == headRef.Hash() {
			return stop
		}
		out = append(out, CommitInfo{
			Hash:    commit.Hash.String(),
			Author:  commit.Author.Name,
			Message: commit.Message,
			When:    commit.Author.When.UTC(),
		})
		if limit > 0 && len(out) >= limit {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, scrub("walk commits", err)
	}
	return out, nil
}
