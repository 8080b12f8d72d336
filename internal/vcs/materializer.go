// Package vcs materializes dataset clones and extracts repository statistics.
// Clone, fetch and ref enumeration go through go-git; git-annex and
// `git describe` are external tool invocations whose output is parsed.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	neturl "net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dsregistry/dsregistry/internal/errs"
)

// RepoSnapshot is what a materialize run learned about the repository.
type RepoSnapshot struct {
	Head         string
	HeadDescribe string
	Branches     []string
	Tags         []string
	GitObjectsKB int64
}

// AnnexStats describes the annex content of a clone. Zero-valued for
// repositories without an annex.
type AnnexStats struct {
	AnnexUUID             string
	AnnexKeyCount         int64
	AnnexedFilesInWtCount int64
	AnnexedFilesInWtSize  int64
}

// Client performs all VCS operations against dataset URLs and local clones.
type Client struct {
	logger *zap.Logger
	runner CommandRunner

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(logger *zap.Logger) *Client {
	return &Client{
		logger:   logger.Named("vcs"),
		runner:   execRunner{},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker guarding remote operations against
// the given source. Breakers are keyed by host so a dead mirror cannot
// fail-fast fetches from unrelated sources; host-less sources (local paths)
// key on the full URL.
func (c *Client) breakerFor(rawURL string) *gobreaker.CircuitBreaker {
	key := rawURL
	if u, err := neturl.Parse(rawURL); err == nil && u.Host != "" {
		key = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[key]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "git-remote:" + key,
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
		})
		c.breakers[key] = cb
	}
	return cb
}

// WithRunner substitutes the external-command runner. Test hook.
func (c *Client) WithRunner(r CommandRunner) *Client {
	c.runner = r
	return c
}

// Materialize clones url into cachePath, or updates the clone already there.
// A partially written or otherwise unusable cache directory is removed and
// re-cloned. Remote failures surface as ErrUnreachableSource; a failed
// re-clone of a previously corrupt cache is ErrCorruptCache.
func (c *Client) Materialize(ctx context.Context, url, cachePath string) (RepoSnapshot, error) {
	repo, err := git.PlainOpen(cachePath)
	if err == nil {
		if err = c.fetch(ctx, url, repo); err != nil {
			return RepoSnapshot{}, fmt.Errorf("fetching %s: %w: %v", url, errs.ErrUnreachableSource, err)
		}
		snap, serr := c.snapshot(ctx, repo, cachePath)
		if serr == nil {
			return snap, nil
		}
		// Fetch worked but the clone is unusable (e.g. missing HEAD from an
		// interrupted earlier run). Fall through to re-clone.
		c.logger.Warn("cached clone unusable, re-cloning",
			zap.String("url", url), zap.String("cache_path", cachePath), zap.Error(serr))
	}

	recovering := dirExists(cachePath)
	if recovering {
		c.logger.Info("removing unusable cache directory", zap.String("cache_path", cachePath))
		if err := os.RemoveAll(cachePath); err != nil {
			return RepoSnapshot{}, fmt.Errorf("clearing cache directory: %w: %v", errs.ErrCorruptCache, err)
		}
	}

	repo, err = c.clone(ctx, url, cachePath)
	if err != nil {
		if recovering && !isRemoteFailure(err) {
			return RepoSnapshot{}, fmt.Errorf("re-cloning %s: %w: %v", url, errs.ErrCorruptCache, err)
		}
		return RepoSnapshot{}, fmt.Errorf("cloning %s: %w: %v", url, errs.ErrUnreachableSource, err)
	}

	snap, err := c.snapshot(ctx, repo, cachePath)
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("reading fresh clone: %w: %v", errs.ErrCorruptCache, err)
	}
	return snap, nil
}

func (c *Client) fetch(ctx context.Context, url string, repo *git.Repository) error {
	_, err := c.breakerFor(url).Execute(func() (any, error) {
		err := repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Tags:       git.AllTags,
			Force:      true,
		})
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, nil
		}
		return nil, err
	})
	return err
}

func (c *Client) clone(ctx context.Context, url, cachePath string) (*git.Repository, error) {
	res, err := c.breakerFor(url).Execute(func() (any, error) {
		return git.PlainCloneContext(ctx, cachePath, false, &git.CloneOptions{
			URL:  url,
			Tags: git.AllTags,
		})
	})
	if err != nil {
		// A failed clone must not leave a partial directory behind for the
		// next run to trip over.
		_ = os.RemoveAll(cachePath)
		return nil, err
	}
	return res.(*git.Repository), nil
}

func (c *Client) snapshot(ctx context.Context, repo *git.Repository, cachePath string) (RepoSnapshot, error) {
	head, err := repo.Head()
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("resolving HEAD: %w", err)
	}

	branchIter, err := repo.Branches()
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("listing branches: %w", err)
	}
	branches, err := refNames(branchIter)
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("listing branches: %w", err)
	}
	tagIter, err := repo.Tags()
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("listing tags: %w", err)
	}
	tags, err := refNames(tagIter)
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("listing tags: %w", err)
	}

	objectsKB, err := dirSizeKB(filepath.Join(cachePath, ".git", "objects"))
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("sizing .git/objects: %w", err)
	}

	return RepoSnapshot{
		Head:         head.Hash().String(),
		HeadDescribe: c.describe(ctx, cachePath),
		Branches:     branches,
		Tags:         tags,
		GitObjectsKB: objectsKB,
	}, nil
}

// Describe returns the HEAD commit hash and the `git describe` string of a
// clone. Used at extraction time to record the dataset version.
func (c *Client) Describe(ctx context.Context, cachePath string) (head, describe string, err error) {
	repo, err := git.PlainOpen(cachePath)
	if err != nil {
		return "", "", fmt.Errorf("opening clone at %s: %w", cachePath, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), c.describe(ctx, cachePath), nil
}

// describe shells out to `git describe`; go-git has no equivalent. With
// --always an undescribable repo yields the abbreviated commit hash. A failed
// invocation degrades to an empty string rather than failing the run.
func (c *Client) describe(ctx context.Context, cachePath string) string {
	out, err := c.runner.Run(ctx, cachePath, "git", "describe", "--tags", "--always")
	if err != nil {
		c.logger.Debug("git describe failed", zap.String("cache_path", cachePath), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(string(out))
}

func refNames(it storer.ReferenceIter) ([]string, error) {
	var names []string
	err := it.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func dirSizeKB(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return (total + 1023) / 1024, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isRemoteFailure(err error) bool {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	}
	return false
}
