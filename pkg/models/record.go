package models

import (
	"time"

	"github.com/google/uuid"
)

// RawRecord is one vendor record as decoded from the source.
type RawRecord map[string]any

// Page is a batch of raw records plus the cursor of the following page.
type Page struct {
	Records    []RawRecord
	NextCursor *string
}

// ScanContext carries the metadata stamped on every normalized record.
type ScanContext struct {
	JobID      string
	TenantID   string
	PageNumber int
}

// Record is a normalized record. Properties holds the allow-listed fields of
// the mapping, CustomProperties everything else the vendor sent.
type Record struct {
	ID               uuid.UUID      `json:"_id" bson:"_record_id"`
	SourceID         string         `json:"source_id" bson:"source_id"`
	TenantID         string         `json:"_tenant_id" bson:"_tenant_id"`
	JobID            string         `json:"_scan_id" bson:"_scan_id"`
	Entity           string         `json:"_entity" bson:"_entity"`
	SourceSystem     string         `json:"_source_system" bson:"_source_system"`
	PageNumber       int            `json:"_page_number" bson:"_page_number"`
	ExtractedAt      time.Time      `json:"_extracted_at" bson:"_extracted_at"`
	Properties       map[string]any `json:"properties" bson:"properties"`
	CustomProperties map[string]any `json:"custom_properties" bson:"custom_properties"`
}
