package catalog

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// BucketStats aggregates one population of dataset URLs.
type BucketStats struct {
	DsCount           int64 `json:"ds_count"`
	AnnexedFilesSize  int64 `json:"annexed_files_size"`
	AnnexedFilesCount int64 `json:"annexed_files_count"`
}

// DedupStats reports a population both deduplicated by ds_id ("unique") and
// counted per URL ("total").
type DedupStats struct {
	Unique BucketStats `json:"unique"`
	Total  BucketStats `json:"total"`
}

// StatsSummary is the top-level unique-vs-raw dataset count over the whole
// filtered set.
type StatsSummary struct {
	UniqueDsCount int64 `json:"unique_ds_count"`
	DsCount       int64 `json:"ds_count"`
}

// CollectionStats covers the entire filtered result set, independent of
// pagination. Rows with a ds_id are DataLad datasets and deduplicate across
// mirrors; annexed rows without a dataset identity and plain git rows have
// nothing to deduplicate by and count per URL.
type CollectionStats struct {
	Datalad   DedupStats   `json:"datalad"`
	PureAnnex BucketStats  `json:"pure_annex"`
	NonAnnex  BucketStats  `json:"non_annex"`
	Summary   StatsSummary `json:"summary"`
}

// statsRow is the narrow projection the stats aggregation needs.
type statsRow struct {
	ID                    uint
	DsID                  *string
	AnnexUUID             *string
	AnnexedFilesInWtCount *int64
	AnnexedFilesInWtSize  *int64
	LastUpdateDt          *time.Time
}

// collectionStats aggregates in Go over a projected column set rather than in
// SQL: the dedup step needs a per-group representative row, which postgres
// can express with DISTINCT ON but sqlite cannot.
func (e *Engine) collectionStats(filtered *gorm.DB) (CollectionStats, error) {
	var rows []statsRow
	err := filtered.
		Select("id", "ds_id", "annex_uuid", "annexed_files_in_wt_count", "annexed_files_in_wt_size", "last_update_dt").
		Scan(&rows).Error
	if err != nil {
		return CollectionStats{}, fmt.Errorf("projecting stats columns: %w", err)
	}
	return computeStats(rows), nil
}

func computeStats(rows []statsRow) CollectionStats {
	var stats CollectionStats

	// Representative row per ds_id: the most recently processed one, ties
	// broken by the greater id.
	representatives := make(map[string]statsRow)

	for _, r := range rows {
		switch {
		case r.DsID != nil && *r.DsID != "":
			addTo(&stats.Datalad.Total, r)
			cur, seen := representatives[*r.DsID]
			if !seen || newerThan(r, cur) {
				representatives[*r.DsID] = r
			}
		case r.AnnexUUID != nil && *r.AnnexUUID != "":
			addTo(&stats.PureAnnex, r)
		default:
			// Non-annex rows have no annexed files; only the count is
			// meaningful.
			stats.NonAnnex.DsCount++
		}
	}

	for _, r := range representatives {
		addTo(&stats.Datalad.Unique, r)
	}

	stats.Summary.UniqueDsCount = stats.Datalad.Unique.DsCount + stats.PureAnnex.DsCount + stats.NonAnnex.DsCount
	stats.Summary.DsCount = stats.Datalad.Total.DsCount + stats.PureAnnex.DsCount + stats.NonAnnex.DsCount
	return stats
}

func addTo(b *BucketStats, r statsRow) {
	b.DsCount++
	if r.AnnexedFilesInWtSize != nil {
		b.AnnexedFilesSize += *r.AnnexedFilesInWtSize
	}
	if r.AnnexedFilesInWtCount != nil {
		b.AnnexedFilesCount += *r.AnnexedFilesInWtCount
	}
}

func newerThan(a, b statsRow) bool {
	switch {
	case a.LastUpdateDt == nil && b.LastUpdateDt == nil:
		return a.ID > b.ID
	case a.LastUpdateDt == nil:
		return false
	case b.LastUpdateDt == nil:
		return true
	case a.LastUpdateDt.Equal(*b.LastUpdateDt):
		return a.ID > b.ID
	default:
		return a.LastUpdateDt.After(*b.LastUpdateDt)
	}
}
