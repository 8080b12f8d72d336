package vcs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitconfig "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/google/uuid"
)

// ReadDatasetID returns the dataset UUID recorded in the clone's
// `.datalad/config` (section [datalad "dataset"], option id), or "" when the
// repository carries no dataset identity. Mirrors of the same dataset carry
// the same id, which is what lets the catalog group them.
func (c *Client) ReadDatasetID(cachePath string) (string, error) {
	f, err := os.Open(filepath.Join(cachePath, ".datalad", "config"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("opening .datalad/config: %w", err)
	}
	defer f.Close()

	cfg := gitconfig.New()
	if err := gitconfig.NewDecoder(f).Decode(cfg); err != nil {
		return "", fmt.Errorf("parsing .datalad/config: %w", err)
	}

	raw := strings.TrimSpace(cfg.Section("datalad").Subsection("dataset").Option("id"))
	if raw == "" {
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		// A malformed id means the identity is undetermined, not that the
		// run failed.
		c.logger.Warn("ignoring malformed dataset id in .datalad/config")
		return "", nil
	}
	return id.String(), nil
}
