package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dsregistry/dsregistry/internal/cachepath"
	"github.com/dsregistry/dsregistry/internal/model"
	"github.com/dsregistry/dsregistry/internal/store"
)

const (
	dsID1 = "11111111-1111-1111-1111-111111111111"
)

func ptr[T any](v T) *T { return &v }

// seedCatalog populates five URLs: two mirrors of dataset D1 (annexed), one
// pure-annex repo without a dataset identity, one plain git repo, and one
// unprocessed URL.
func seedCatalog(t *testing.T) *Engine {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)

	t1 := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

	rows := []model.RepoURL{
		{
			URL: "https://example.org/mirror-a", DsID: ptr(dsID1), AnnexUUID: ptr("u-1"),
			AnnexKeyCount: ptr(int64(5)), AnnexedFilesInWtCount: ptr(int64(10)),
			AnnexedFilesInWtSize: ptr(int64(100)), GitObjectsKB: ptr(int64(40)),
			Head: ptr("aaa"), HeadDescribe: ptr("v1.0"),
			Branches: model.StringList{"master"}, Tags: model.StringList{"v1.0"},
			CachePath: ptr("/cache/aa/bbb/c01"), Processed: true,
			LastUpdateDt: &t1, LastChkDt: &t1,
		},
		{
			URL: "https://mirror.example.net/mirror-b", DsID: ptr(dsID1), AnnexUUID: ptr("u-2"),
			AnnexKeyCount: ptr(int64(7)), AnnexedFilesInWtCount: ptr(int64(15)),
			AnnexedFilesInWtSize: ptr(int64(150)), GitObjectsKB: ptr(int64(60)),
			Head: ptr("aaa"), HeadDescribe: ptr("v1.0"),
			Branches: model.StringList{"master"}, Tags: model.StringList{"v1.0"},
			CachePath: ptr("/cache/aa/bbb/c02"), Processed: true,
			LastUpdateDt: &t2, LastChkDt: &t2,
		},
		{
			URL: "https://example.org/pure-annex", AnnexUUID: ptr("u-3"),
			AnnexKeyCount: ptr(int64(2)), AnnexedFilesInWtCount: ptr(int64(3)),
			AnnexedFilesInWtSize: ptr(int64(30)), GitObjectsKB: ptr(int64(10)),
			Head: ptr("bbb"), HeadDescribe: ptr("bbb"),
			CachePath: ptr("/cache/dd/eee/f01"), Processed: true,
			LastUpdateDt: &t1, LastChkDt: &t1,
		},
		{
			URL: "https://example.org/plain-git",
			AnnexKeyCount: ptr(int64(0)), AnnexedFilesInWtCount: ptr(int64(0)),
			AnnexedFilesInWtSize: ptr(int64(0)), GitObjectsKB: ptr(int64(5)),
			Head: ptr("ccc"), HeadDescribe: ptr("ccc"),
			CachePath: ptr("/cache/gg/hhh/i01"), Processed: true,
			LastUpdateDt: &t2, LastChkDt: &t2,
		},
		{
			URL: "https://example.org/unprocessed",
		},
	}
	for i := range rows {
		require.NoError(t, st.DB().Create(&rows[i]).Error)
	}

	return NewEngine(st.DB(), cachepath.NewResolver("/cache"), zap.NewNop())
}

func TestQuery_Defaults(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{})
	require.NoError(t, err)
	require.EqualValues(t, 5, page.Total)
	require.Equal(t, 1, page.CurPg)
	require.Equal(t, DefaultPerPage, page.PerPage)
	require.Nil(t, page.PrevPg)
	require.Nil(t, page.NextPg)
	require.Equal(t, 1, page.FirstPg)
	require.Equal(t, 1, page.LastPg)
	require.Len(t, page.Datasets, 5)
}

func TestQuery_ExactFilters(t *testing.T) {
	e := seedCatalog(t)
	ctx := context.Background()

	page, err := e.Query(ctx, Request{Filters: Filters{URL: ptr("https://example.org/pure-annex")}})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, "https://example.org/pure-annex", page.Datasets[0].URL)

	page, err = e.Query(ctx, Request{Filters: Filters{DsID: ptr(dsID1)}})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)

	page, err = e.Query(ctx, Request{Filters: Filters{Processed: ptr(false)}})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, "https://example.org/unprocessed", page.Datasets[0].URL)
}

func TestQuery_MalformedDsIDRejected(t *testing.T) {
	e := seedCatalog(t)

	_, err := e.Query(context.Background(), Request{Filters: Filters{DsID: ptr("not-a-uuid")}})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestQuery_NumericAndTimeRanges(t *testing.T) {
	e := seedCatalog(t)
	ctx := context.Background()

	page, err := e.Query(ctx, Request{Filters: Filters{
		MinAnnexedFilesInWtSize: ptr(int64(100)),
	}})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)

	page, err = e.Query(ctx, Request{Filters: Filters{
		MinAnnexedFilesInWtSize: ptr(int64(100)),
		MaxAnnexedFilesInWtSize: ptr(int64(100)),
	}})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total, "range bounds are inclusive")

	early := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	page, err = e.Query(ctx, Request{Filters: Filters{EarliestLastUpdate: &early}})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)
}

func TestQuery_CachePathFilter(t *testing.T) {
	e := seedCatalog(t)
	ctx := context.Background()

	// Full path: only the last three components matter.
	page, err := e.Query(ctx, Request{Filters: Filters{CachePath: ptr("/elsewhere/aa/bbb/c01")}})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, "https://example.org/mirror-a", page.Datasets[0].URL)

	// Relative path resolves against the base cache dir.
	page, err = e.Query(ctx, Request{Filters: Filters{CachePath: ptr("dd/eee/f01")}})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, "https://example.org/pure-annex", page.Datasets[0].URL)
}

func TestQuery_SearchConjoinsWithFilters(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{Filters: Filters{
		Search:    "example.org",
		Processed: ptr(true),
	}})
	require.NoError(t, err)
	require.EqualValues(t, 3, page.Total)
}

func TestQuery_PaginationIsDeterministicUnderTies(t *testing.T) {
	e := seedCatalog(t)
	ctx := context.Background()

	// head_describe ties between several rows; the id tie-break must keep
	// page concatenation gap- and duplicate-free.
	var all []uint
	req := Request{OrderBy: OrderByLastUpdate, OrderDir: OrderAsc, PerPage: 2}
	for pg := 1; ; pg++ {
		req.Page = pg
		page, err := e.Query(ctx, req)
		require.NoError(t, err)
		for _, d := range page.Datasets {
			all = append(all, d.ID)
		}
		if page.NextPg == nil {
			break
		}
		require.Equal(t, pg+1, *page.NextPg)
	}

	require.Len(t, all, 5)
	seen := make(map[uint]bool)
	for _, id := range all {
		require.False(t, seen[id], "row %d appeared on two pages", id)
		seen[id] = true
	}
}

func TestQuery_PageBeyondLast(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{Page: 99, PerPage: 2})
	require.NoError(t, err)
	require.Empty(t, page.Datasets)
	require.EqualValues(t, 5, page.Total, "total reflects the filtered set even past the end")
	require.Nil(t, page.NextPg)
	require.NotNil(t, page.PrevPg)
	require.Equal(t, 3, *page.PrevPg, "prev points at the last real page, not the preceding empty one")
	require.Equal(t, 1, page.FirstPg)
	require.Equal(t, 3, page.LastPg)
}

func TestQuery_InvalidOrderAndPagination(t *testing.T) {
	e := seedCatalog(t)
	ctx := context.Background()

	_, err := e.Query(ctx, Request{OrderBy: "nope"})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Query(ctx, Request{OrderDir: "sideways"})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Query(ctx, Request{Page: -1})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = e.Query(ctx, Request{ReturnMetadata: "everything"})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

// seedMetadataCatalog builds a three-URL catalog where the first URL carries
// two metadata rows, the second one, and the third none.
func seedMetadataCatalog(t *testing.T) (*Engine, []model.URLMetadata) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)

	a, _, err := st.CreateURL(ctx, "https://example.org/ds-a")
	require.NoError(t, err)
	b, _, err := st.CreateURL(ctx, "https://example.org/ds-b")
	require.NoError(t, err)
	_, _, err = st.CreateURL(ctx, "https://example.org/ds-c")
	require.NoError(t, err)

	meta := []model.URLMetadata{
		{
			URLID: a.ID, ExtractorName: "dataset_core",
			ExtractionParameter: model.ParamMap{},
			DatasetVersion:      "aaa",
			ExtractedMetadata:   model.Document{"type": "dataset"},
		},
		{
			URLID: a.ID, ExtractorName: "datalad_core",
			ExtractionParameter: model.ParamMap{},
			DatasetVersion:      "aaa",
			ExtractedMetadata:   model.Document{"type": "Dataset"},
		},
		{
			URLID: b.ID, ExtractorName: "dataset_core",
			ExtractionParameter: model.ParamMap{},
			DatasetVersion:      "bbb",
			ExtractedMetadata:   model.Document{"type": "dataset"},
		},
	}
	for i := range meta {
		require.NoError(t, st.UpsertMetadata(ctx, &meta[i]))
	}

	return NewEngine(st.DB(), cachepath.NewResolver("/cache"), zap.NewNop()), meta
}

func TestQuery_ReturnMetadataReference(t *testing.T) {
	e, meta := seedMetadataCatalog(t)

	page, err := e.Query(context.Background(), Request{
		OrderBy: OrderByURL, OrderDir: OrderAsc,
		ReturnMetadata: MetadataReference,
	})
	require.NoError(t, err)
	require.Len(t, page.Datasets, 3)

	refsA, ok := page.Datasets[0].Metadata.([]MetadataRef)
	require.True(t, ok)
	require.Len(t, refsA, 2)
	require.Equal(t, "dataset_core", refsA[0].ExtractorName)
	require.Equal(t, fmt.Sprintf("/api/v2/url-metadata/%d", meta[0].ID), refsA[0].Link)
	require.Equal(t, "datalad_core", refsA[1].ExtractorName)

	refsB, ok := page.Datasets[1].Metadata.([]MetadataRef)
	require.True(t, ok)
	require.Len(t, refsB, 1)
	require.Equal(t, meta[2].ID, refsB[0].ID)

	refsC, ok := page.Datasets[2].Metadata.([]MetadataRef)
	require.True(t, ok, "rows without metadata still carry the field")
	require.Empty(t, refsC)

	body, err := json.Marshal(page.Datasets[2])
	require.NoError(t, err)
	require.Contains(t, string(body), `"metadata":[]`, "the empty list is serialized, not omitted")
}

func TestQuery_ReturnMetadataContent(t *testing.T) {
	e, _ := seedMetadataCatalog(t)

	page, err := e.Query(context.Background(), Request{
		OrderBy: OrderByURL, OrderDir: OrderAsc,
		ReturnMetadata: MetadataContent,
	})
	require.NoError(t, err)

	contentA, ok := page.Datasets[0].Metadata.([]model.URLMetadata)
	require.True(t, ok)
	require.Len(t, contentA, 2)
	require.Equal(t, model.Document{"type": "dataset"}, contentA[0].ExtractedMetadata)
	require.Equal(t, "aaa", contentA[0].DatasetVersion)

	contentC, ok := page.Datasets[2].Metadata.([]model.URLMetadata)
	require.True(t, ok)
	require.Empty(t, contentC)
}

func TestQuery_ReturnMetadataScopedToPage(t *testing.T) {
	e, _ := seedMetadataCatalog(t)

	page, err := e.Query(context.Background(), Request{
		OrderBy: OrderByURL, OrderDir: OrderAsc,
		Page: 2, PerPage: 1,
		ReturnMetadata: MetadataReference,
	})
	require.NoError(t, err)
	require.Len(t, page.Datasets, 1)
	require.Equal(t, "https://example.org/ds-b", page.Datasets[0].URL)

	refs, ok := page.Datasets[0].Metadata.([]MetadataRef)
	require.True(t, ok)
	require.Len(t, refs, 1, "only the current page's rows carry metadata")
}

func TestQuery_NoMetadataFieldWithoutInclusion(t *testing.T) {
	e, _ := seedMetadataCatalog(t)

	page, err := e.Query(context.Background(), Request{OrderBy: OrderByURL, OrderDir: OrderAsc})
	require.NoError(t, err)
	require.Nil(t, page.Datasets[0].Metadata)

	body, err := json.Marshal(page.Datasets[0])
	require.NoError(t, err)
	require.NotContains(t, string(body), `"metadata"`)
}

func TestQuery_OrderByKeyCount(t *testing.T) {
	e := seedCatalog(t)

	page, err := e.Query(context.Background(), Request{
		OrderBy: OrderByKeyCount, OrderDir: OrderDesc,
		Filters: Filters{Processed: ptr(true)},
	})
	require.NoError(t, err)
	require.Len(t, page.Datasets, 4)
	require.Equal(t, "https://mirror.example.net/mirror-b", page.Datasets[0].URL)
}
