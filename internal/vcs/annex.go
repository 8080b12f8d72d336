package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// annexInfo mirrors the fields of `git annex info --fast --json --bytes`
// this collector consumes. With --bytes the size field is a plain decimal
// string.
type annexInfo struct {
	AnnexedFilesInWT     int64  `json:"annexed files in working tree"`
	SizeOfAnnexedInWT    string `json:"size of annexed files in working tree"`
	LocalAnnexKeys       int64  `json:"local annex keys"`
	AvailableLocalDiskSp string `json:"available local disk space"`
}

// CollectAnnexStats computes the annex statistics of a clone. A repository
// without an annex yields zero-valued stats, not an error. Deterministic
// given clone contents.
func (c *Client) CollectAnnexStats(ctx context.Context, cachePath string) (AnnexStats, error) {
	out, err := c.runner.Run(ctx, cachePath, "git", "config", "--local", "--get", "annex.uuid")
	uuid := strings.TrimSpace(string(out))
	if err != nil || uuid == "" {
		// `git config --get` exits non-zero when the key is absent, which is
		// the normal non-annex case.
		return AnnexStats{}, nil
	}

	out, err = c.runner.Run(ctx, cachePath, "git", "annex", "info", "--fast", "--json", "--bytes")
	if err != nil {
		return AnnexStats{}, fmt.Errorf("running git annex info in %s: %w", cachePath, err)
	}

	var info annexInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return AnnexStats{}, fmt.Errorf("parsing git annex info output: %w", err)
	}

	var size int64
	if info.SizeOfAnnexedInWT != "" {
		size, err = strconv.ParseInt(strings.TrimSpace(info.SizeOfAnnexedInWT), 10, 64)
		if err != nil {
			return AnnexStats{}, fmt.Errorf("parsing annexed size %q: %w", info.SizeOfAnnexedInWT, err)
		}
	}

	c.logger.Debug("collected annex stats",
		zap.String("cache_path", cachePath),
		zap.String("annex_uuid", uuid),
		zap.Int64("key_count", info.LocalAnnexKeys),
	)
	return AnnexStats{
		AnnexUUID:             uuid,
		AnnexKeyCount:         info.LocalAnnexKeys,
		AnnexedFilesInWtCount: info.AnnexedFilesInWT,
		AnnexedFilesInWtSize:  size,
	}, nil
}
