// Package catalog answers filtered, ordered, paginated queries over the
// dataset URL catalog and computes deduplicated collection statistics.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dsregistry/dsregistry/internal/cachepath"
	"github.com/dsregistry/dsregistry/internal/model"
	"github.com/dsregistry/dsregistry/internal/search"
)

// ErrInvalidQuery marks malformed filter/order/pagination input. Rejected
// before any querying happens; never a partial result.
var ErrInvalidQuery = errors.New("invalid query")

const (
	DefaultPage    = 1
	DefaultPerPage = 20
)

// OrderKey enumerates the columns results may be ordered by.
type OrderKey string

const (
	OrderByURL          OrderKey = "url"
	OrderByKeyCount     OrderKey = "annex_key_count"
	OrderByWtCount      OrderKey = "annexed_files_in_wt_count"
	OrderByWtSize       OrderKey = "annexed_files_in_wt_size"
	OrderByLastUpdate   OrderKey = "last_update_dt"
	OrderByGitObjectsKB OrderKey = "git_objects_kb"
)

var orderColumns = map[OrderKey]string{
	OrderByURL:          "url",
	OrderByKeyCount:     "annex_key_count",
	OrderByWtCount:      "annexed_files_in_wt_count",
	OrderByWtSize:       "annexed_files_in_wt_size",
	OrderByLastUpdate:   "last_update_dt",
	OrderByGitObjectsKB: "git_objects_kb",
}

// OrderDir is the ordering direction.
type OrderDir string

const (
	OrderAsc  OrderDir = "asc"
	OrderDesc OrderDir = "desc"
)

// MetadataReturn selects whether and how metadata is attached to result rows.
type MetadataReturn string

const (
	MetadataNone      MetadataReturn = ""
	MetadataReference MetadataReturn = "reference"
	MetadataContent   MetadataReturn = "content"
)

// Filters are the conjunctive predicates of a catalog query. All fields are
// optional; nil means "no constraint".
type Filters struct {
	Search string

	URL  *string
	DsID *string

	MinAnnexKeyCount *int64
	MaxAnnexKeyCount *int64

	MinAnnexedFilesInWtCount *int64
	MaxAnnexedFilesInWtCount *int64

	MinAnnexedFilesInWtSize *int64
	MaxAnnexedFilesInWtSize *int64

	MinGitObjectsKB *int64
	MaxGitObjectsKB *int64

	EarliestLastUpdate *time.Time
	LatestLastUpdate   *time.Time

	Processed *bool

	CachePath *string
}

// Request is one catalog query.
type Request struct {
	Filters

	OrderBy  OrderKey
	OrderDir OrderDir

	Page    int
	PerPage int

	ReturnMetadata MetadataReturn
}

// MetadataRef is a reference link to one piece of metadata.
type MetadataRef struct {
	ID            uint   `json:"id"`
	ExtractorName string `json:"extractor_name"`
	Link          string `json:"link"`
}

// DatasetURLView is one result row, optionally carrying metadata references
// or full metadata content. The metadata field is present whenever inclusion
// was requested, as an empty list for rows without metadata; with inclusion
// off it is omitted entirely.
type DatasetURLView struct {
	model.RepoURL
	Metadata any `json:"metadata,omitempty"`
}

// Page is a catalog query result: one page of rows, the filtered-set total,
// navigation, and collection statistics over the whole filtered set.
type Page struct {
	Total   int64 `json:"total"`
	CurPg   int   `json:"cur_pg"`
	PrevPg  *int  `json:"prev_pg"`
	NextPg  *int  `json:"next_pg"`
	FirstPg int   `json:"first_pg"`
	LastPg  int   `json:"last_pg"`
	PerPage int   `json:"per_page"`

	Datasets []DatasetURLView `json:"dataset_urls"`

	Stats CollectionStats `json:"collection_stats"`
}

// Engine executes catalog queries.
type Engine struct {
	db       *gorm.DB
	resolver *cachepath.Resolver
	logger   *zap.Logger
}

func NewEngine(db *gorm.DB, resolver *cachepath.Resolver, logger *zap.Logger) *Engine {
	return &Engine{db: db, resolver: resolver, logger: logger.Named("catalog")}
}

// Query runs one filtered, ordered, paginated catalog query. The total and
// the collection statistics always cover the entire filtered set regardless
// of the requested page; a page past the end yields an empty row list with
// the total intact and no next link.
func (e *Engine) Query(ctx context.Context, req Request) (*Page, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}

	where, err := e.buildFilters(req.Filters)
	if err != nil {
		return nil, err
	}
	filtered := func() *gorm.DB {
		return where(e.db.WithContext(ctx).Model(&model.RepoURL{}))
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting filtered set: %w", err)
	}

	stats, err := e.collectionStats(filtered())
	if err != nil {
		return nil, err
	}

	// Secondary id ordering keeps pagination deterministic under ties in the
	// order key.
	column := orderColumns[req.OrderBy]
	var rows []model.RepoURL
	err = filtered().
		Order(fmt.Sprintf("%s %s", column, req.OrderDir)).
		Order("id asc").
		Offset((req.Page - 1) * req.PerPage).
		Limit(req.PerPage).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("selecting page: %w", err)
	}

	views, err := e.attachMetadata(ctx, rows, req.ReturnMetadata)
	if err != nil {
		return nil, err
	}

	lastPg := int((total + int64(req.PerPage) - 1) / int64(req.PerPage))
	if lastPg < 1 {
		lastPg = 1
	}

	page := &Page{
		Total:    total,
		CurPg:    req.Page,
		FirstPg:  1,
		LastPg:   lastPg,
		PerPage:  req.PerPage,
		Datasets: views,
		Stats:    stats,
	}
	if req.Page > 1 {
		// Past the end, prev points at the last real page rather than the
		// preceding empty one.
		prev := min(req.Page-1, lastPg)
		page.PrevPg = &prev
	}
	if int64(req.Page)*int64(req.PerPage) < total {
		next := req.Page + 1
		page.NextPg = &next
	}
	return page, nil
}

func (e *Engine) normalize(req Request) (Request, error) {
	if req.Page == 0 {
		req.Page = DefaultPage
	}
	if req.PerPage == 0 {
		req.PerPage = DefaultPerPage
	}
	if req.Page < 1 || req.PerPage < 1 {
		return req, fmt.Errorf("page and per_page must be positive: %w", ErrInvalidQuery)
	}

	if req.OrderBy == "" {
		req.OrderBy = OrderByLastUpdate
	}
	if _, ok := orderColumns[req.OrderBy]; !ok {
		return req, fmt.Errorf("unknown order key %q: %w", req.OrderBy, ErrInvalidQuery)
	}
	if req.OrderDir == "" {
		req.OrderDir = OrderDesc
	}
	if req.OrderDir != OrderAsc && req.OrderDir != OrderDesc {
		return req, fmt.Errorf("unknown order direction %q: %w", req.OrderDir, ErrInvalidQuery)
	}

	switch req.ReturnMetadata {
	case MetadataNone, MetadataReference, MetadataContent:
	default:
		return req, fmt.Errorf("unknown return_metadata option %q: %w", req.ReturnMetadata, ErrInvalidQuery)
	}
	return req, nil
}

// buildFilters compiles the filter set into a reusable query decorator, so
// the count, stats and page queries all see identical predicates.
func (e *Engine) buildFilters(f Filters) (func(*gorm.DB) *gorm.DB, error) {
	type cond struct {
		expr string
		args []any
	}
	var conds []cond

	if f.URL != nil {
		conds = append(conds, cond{"url = ?", []any{*f.URL}})
	}
	if f.DsID != nil {
		id, err := uuid.Parse(*f.DsID)
		if err != nil {
			return nil, fmt.Errorf("malformed ds_id %q: %w", *f.DsID, ErrInvalidQuery)
		}
		conds = append(conds, cond{"ds_id = ?", []any{id.String()}})
	}

	ranges := []struct {
		col      string
		min, max *int64
	}{
		{"annex_key_count", f.MinAnnexKeyCount, f.MaxAnnexKeyCount},
		{"annexed_files_in_wt_count", f.MinAnnexedFilesInWtCount, f.MaxAnnexedFilesInWtCount},
		{"annexed_files_in_wt_size", f.MinAnnexedFilesInWtSize, f.MaxAnnexedFilesInWtSize},
		{"git_objects_kb", f.MinGitObjectsKB, f.MaxGitObjectsKB},
	}
	for _, r := range ranges {
		if r.min != nil {
			conds = append(conds, cond{r.col + " >= ?", []any{*r.min}})
		}
		if r.max != nil {
			conds = append(conds, cond{r.col + " <= ?", []any{*r.max}})
		}
	}

	if f.EarliestLastUpdate != nil {
		conds = append(conds, cond{"last_update_dt >= ?", []any{*f.EarliestLastUpdate}})
	}
	if f.LatestLastUpdate != nil {
		conds = append(conds, cond{"last_update_dt <= ?", []any{*f.LatestLastUpdate}})
	}
	if f.Processed != nil {
		conds = append(conds, cond{"processed = ?", []any{*f.Processed}})
	}

	if f.CachePath != nil {
		matcher, err := e.resolver.MatchFilter(*f.CachePath)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond{"cache_path LIKE ?", []any{matcher.LikePattern()}})
	}

	for _, clause := range search.Compile(f.Search) {
		conds = append(conds, cond{clause.Expr, clause.Args})
	}

	return func(tx *gorm.DB) *gorm.DB {
		for _, c := range conds {
			tx = tx.Where(c.expr, c.args...)
		}
		return tx
	}, nil
}

func (e *Engine) attachMetadata(ctx context.Context, rows []model.RepoURL, ret MetadataReturn) ([]DatasetURLView, error) {
	views := make([]DatasetURLView, len(rows))
	for i, r := range rows {
		views[i] = DatasetURLView{RepoURL: r}
	}
	if ret == MetadataNone || len(rows) == 0 {
		return views, nil
	}

	// Rows without metadata still carry the field as an empty list when
	// inclusion was requested.
	for i := range views {
		switch ret {
		case MetadataReference:
			views[i].Metadata = []MetadataRef{}
		case MetadataContent:
			views[i].Metadata = []model.URLMetadata{}
		}
	}

	ids := make([]uint, len(rows))
	index := make(map[uint]int, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		index[r.ID] = i
	}

	var meta []model.URLMetadata
	err := e.db.WithContext(ctx).Where("url_id IN ?", ids).Order("id asc").Find(&meta).Error
	if err != nil {
		return nil, fmt.Errorf("loading metadata for page: %w", err)
	}

	for _, m := range meta {
		i := index[m.URLID]
		switch ret {
		case MetadataReference:
			refs, _ := views[i].Metadata.([]MetadataRef)
			views[i].Metadata = append(refs, MetadataRef{
				ID:            m.ID,
				ExtractorName: m.ExtractorName,
				Link:          fmt.Sprintf("/api/v2/url-metadata/%d", m.ID),
			})
		case MetadataContent:
			content, _ := views[i].Metadata.([]model.URLMetadata)
			views[i].Metadata = append(content, m)
		}
	}
	return views, nil
}
