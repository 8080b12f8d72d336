package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/dsregistry/dsregistry/internal/model"
	"github.com/dsregistry/dsregistry/internal/vcs"
)

// DatasetIDReader reads the dataset identity out of a clone. Implemented by
// vcs.Client.
type DatasetIDReader interface {
	ReadDatasetID(cachePath string) (string, error)
}

// CoreExtractor summarizes the repository itself: HEAD, ref inventory and
// annex presence. Applicable to every clone.
type CoreExtractor struct {
	vcs interface {
		DatasetIDReader
		CollectAnnexStats(ctx context.Context, cachePath string) (vcs.AnnexStats, error)
	}
}

func NewCoreExtractor(client *vcs.Client) *CoreExtractor {
	return &CoreExtractor{vcs: client}
}

func (e *CoreExtractor) Name() string { return "dataset_core" }

func (e *CoreExtractor) Extract(ctx context.Context, repoPath string, _ model.ParamMap) (model.Document, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening clone: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	var branches, tags []string
	if it, err := repo.Branches(); err == nil {
		_ = it.ForEach(func(r *plumbing.Reference) error {
			branches = append(branches, r.Name().Short())
			return nil
		})
	}
	if it, err := repo.Tags(); err == nil {
		_ = it.ForEach(func(r *plumbing.Reference) error {
			tags = append(tags, r.Name().Short())
			return nil
		})
	}

	annex, err := e.vcs.CollectAnnexStats(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	return model.Document{
		"type":     "dataset",
		"head":     head.Hash().String(),
		"branches": branches,
		"tags":     tags,
		"annexed":  annex.AnnexUUID != "",
	}, nil
}

// DataladExtractor emits the dataset-level description of a DataLad dataset.
// Repositories without a `.datalad` marker directory are not applicable.
type DataladExtractor struct {
	ids DatasetIDReader
}

func NewDataladExtractor(ids DatasetIDReader) *DataladExtractor {
	return &DataladExtractor{ids: ids}
}

func (e *DataladExtractor) Name() string { return "datalad_core" }

func (e *DataladExtractor) Extract(_ context.Context, repoPath string, _ model.ParamMap) (model.Document, error) {
	if _, err := os.Stat(filepath.Join(repoPath, ".datalad")); os.IsNotExist(err) {
		return nil, ErrNotApplicable
	}

	dsID, err := e.ids.ReadDatasetID(repoPath)
	if err != nil {
		return nil, err
	}

	doc := model.Document{
		"@context": map[string]any{
			"@vocab": "http://schema.org/",
		},
		"type": "Dataset",
	}
	if dsID != "" {
		doc["identifier"] = dsID
	}
	return doc, nil
}
