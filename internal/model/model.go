// Package model holds the GORM models for the dataset URL catalog.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ParamMap is a string-to-string parameter mapping stored as canonical JSON
// text. json.Marshal sorts map keys, so equal maps always serialize to equal
// column values; the metadata identity index relies on that.
type ParamMap map[string]string

func (p ParamMap) Value() (driver.Value, error) {
	if p == nil {
		p = ParamMap{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *ParamMap) Scan(src any) error {
	return scanJSON(src, p)
}

// Document is an opaque structured document stored as JSON text.
type Document map[string]any

func (d Document) Value() (driver.Value, error) {
	if d == nil {
		d = Document{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Document) Scan(src any) error {
	return scanJSON(src, d)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}

// StringList is a list of ref names stored as JSON text.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// RepoURL is one row per distinct dataset URL ever registered. Stats fields
// are null until the first successful processing run; `processed` only ever
// transitions false to true.
type RepoURL struct {
	ID  uint   `gorm:"primaryKey" json:"id"`
	URL string `gorm:"uniqueIndex;not null" json:"url"`

	// DsID groups mirrors of the same logical dataset. Populated only once
	// processing has determined the dataset's identity.
	DsID *string `gorm:"index" json:"ds_id"`

	AnnexUUID             *string `json:"annex_uuid"`
	AnnexKeyCount         *int64  `json:"annex_key_count"`
	AnnexedFilesInWtCount *int64  `json:"annexed_files_in_wt_count"`
	AnnexedFilesInWtSize  *int64  `json:"annexed_files_in_wt_size"`

	Head         *string    `json:"head"`
	HeadDescribe *string    `json:"head_describe"`
	Branches     StringList `gorm:"type:text" json:"branches"`
	Tags         StringList `gorm:"type:text" json:"tags"`
	GitObjectsKB *int64     `gorm:"column:git_objects_kb" json:"git_objects_kb"`

	CachePath *string `json:"cache_path"`
	Processed bool    `gorm:"not null;default:false" json:"processed"`

	LastUpdateDt *time.Time `gorm:"column:last_update_dt" json:"last_update_dt"`
	LastChkDt    *time.Time `gorm:"column:last_chk_dt" json:"last_chk_dt"`

	Metadata []URLMetadata `gorm:"foreignKey:URLID;constraint:OnDelete:CASCADE" json:"-"`
}

func (RepoURL) TableName() string {
	return "repo_urls"
}

// URLMetadata is one extraction result per (url, extractor, parameter-set)
// combination. Re-extraction with an identical key replaces the row.
type URLMetadata struct {
	ID    uint `gorm:"primaryKey" json:"id"`
	URLID uint `gorm:"column:url_id;not null;uniqueIndex:idx_metadata_identity,priority:1" json:"url_id"`

	ExtractorName       string   `gorm:"not null;uniqueIndex:idx_metadata_identity,priority:2" json:"extractor_name"`
	ExtractionParameter ParamMap `gorm:"type:text;not null;uniqueIndex:idx_metadata_identity,priority:3" json:"extraction_parameter"`

	DatasetVersion    string   `json:"dataset_version"`
	DatasetDescribe   string   `json:"dataset_describe"`
	ExtractedMetadata Document `gorm:"type:text" json:"extracted_metadata"`
}

func (URLMetadata) TableName() string {
	return "url_metadata"
}
