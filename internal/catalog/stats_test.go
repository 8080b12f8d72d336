package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectionStats_Buckets(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)
	stats := page.Stats

	// Two mirrors of D1, counted per URL.
	require.EqualValues(t, 2, stats.Datalad.Total.DsCount)
	require.EqualValues(t, 250, stats.Datalad.Total.AnnexedFilesSize)
	require.EqualValues(t, 25, stats.Datalad.Total.AnnexedFilesCount)

	// Deduplicated they are one logical dataset.
	require.EqualValues(t, 1, stats.Datalad.Unique.DsCount)

	require.EqualValues(t, 1, stats.PureAnnex.DsCount)
	require.EqualValues(t, 30, stats.PureAnnex.AnnexedFilesSize)
	require.EqualValues(t, 3, stats.PureAnnex.AnnexedFilesCount)

	// Plain git plus the unprocessed URL; no annexed-file stats by
	// definition.
	require.EqualValues(t, 2, stats.NonAnnex.DsCount)
	require.EqualValues(t, 0, stats.NonAnnex.AnnexedFilesSize)

	require.EqualValues(t, 4, stats.Summary.UniqueDsCount)
	require.EqualValues(t, 5, stats.Summary.DsCount)
}

func TestCollectionStats_DedupUsesLatest(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)

	// Mirror B was processed more recently, so its size (150) and file count
	// (15) represent the unique dataset; the sizes must not be summed to 250.
	require.EqualValues(t, 150, page.Stats.Datalad.Unique.AnnexedFilesSize)
	require.EqualValues(t, 15, page.Stats.Datalad.Unique.AnnexedFilesCount)
}

func TestCollectionStats_CoversFilteredSetNotPage(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page.Datasets, 2)

	// Same stats as an unpaginated query: statistics cover the whole
	// filtered set, not the current page.
	require.EqualValues(t, 5, page.Stats.Summary.DsCount)
	require.EqualValues(t, 4, page.Stats.Summary.UniqueDsCount)
}

func TestCollectionStats_RespectsFilters(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{Filters: Filters{Processed: ptr(true)}})
	require.NoError(t, err)
	require.EqualValues(t, 4, page.Stats.Summary.DsCount)
	require.EqualValues(t, 1, page.Stats.NonAnnex.DsCount, "the unprocessed URL is filtered out")
}

func TestComputeStats_TieBreakOnID(t *testing.T) {
	when := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ds := "22222222-2222-2222-2222-222222222222"
	rows := []statsRow{
		{ID: 1, DsID: &ds, AnnexedFilesInWtSize: ptr(int64(10)), LastUpdateDt: &when},
		{ID: 2, DsID: &ds, AnnexedFilesInWtSize: ptr(int64(20)), LastUpdateDt: &when},
	}

	stats := computeStats(rows)
	require.EqualValues(t, 1, stats.Datalad.Unique.DsCount)
	require.EqualValues(t, 20, stats.Datalad.Unique.AnnexedFilesSize, "equal timestamps fall back to the greater id")
}
