package etl

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/stretchr/testify/require"
)

func dealsMapping() *models.MappingSchema {
	return &models.MappingSchema{
		Entity:          "deals",
		SourceSystem:    "hubspot",
		IDStrategy:      models.IDStrategy{SourceField: "id", Type: "string"},
		PropertiesField: "properties",
		Fields: map[string]models.FieldConfig{
			"deal_name":  {Source: "dealname", Type: "string", Required: true},
			"amount":     {Source: "amount", Type: "decimal"},
			"num_notes":  {Source: "num_notes", Type: "int", Default: float64(0)},
			"close_date": {Source: "closedate", Type: "datetime"},
		},
	}
}

func TestTransformSpreadsKnownAndCustomProperties(t *testing.T) {
	tr := NewTransformer(dealsMapping())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	raw := models.RawRecord{
		"id": "101",
		"properties": map[string]any{
			"dealname":    "Big deal",
			"amount":      json.Number("1500.50"),
			"closedate":   "2024-06-30T00:00:00Z",
			"hs_priority": "high",
			"empty_prop":  nil,
		},
		"archived": false,
	}

	rec, err := tr.Transform(raw, models.ScanContext{JobID: "job-1", TenantID: "acme", PageNumber: 3})
	require.NoError(t, err)

	require.Equal(t, "101", rec.SourceID)
	require.Equal(t, "acme", rec.TenantID)
	require.Equal(t, "job-1", rec.JobID)
	require.Equal(t, "deals", rec.Entity)
	require.Equal(t, "hubspot", rec.SourceSystem)
	require.Equal(t, 3, rec.PageNumber)
	require.Equal(t, fixed, rec.ExtractedAt)
	require.NotEqual(t, [16]byte{}, [16]byte(rec.ID))

	require.Equal(t, "Big deal", rec.Properties["deal_name"])
	require.Equal(t, "1500.50", rec.Properties["amount"])
	require.Equal(t, int64(0), rec.Properties["num_notes"])
	require.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), rec.Properties["close_date"])

	require.Equal(t, map[string]any{"hs_priority": "high"}, rec.CustomProperties)
}

func TestTransformWithoutPropertiesField(t *testing.T) {
	m := dealsMapping()
	m.PropertiesField = ""
	tr := NewTransformer(m)

	rec, err := tr.Transform(models.RawRecord{"id": json.Number("7"), "dealname": "Flat", "extra": 1}, models.ScanContext{})
	require.NoError(t, err)
	require.Equal(t, "7", rec.SourceID)
	require.Equal(t, "Flat", rec.Properties["deal_name"])
	require.Equal(t, map[string]any{"extra": 1}, rec.CustomProperties)
}

func TestTransformErrors(t *testing.T) {
	tests := []struct {
		name  string
		raw   models.RawRecord
		field string
	}{
		{
			name:  "missing id",
			raw:   models.RawRecord{"properties": map[string]any{"dealname": "x"}},
			field: "id",
		},
		{
			name:  "bad decimal",
			raw:   models.RawRecord{"id": "1", "properties": map[string]any{"dealname": "x", "amount": "lots"}},
			field: "amount",
		},
		{
			name:  "bad datetime",
			raw:   models.RawRecord{"id": "1", "properties": map[string]any{"dealname": "x", "closedate": "someday"}},
			field: "close_date",
		},
		{
			name: "missing required field",
			raw:  models.RawRecord{"id": "1", "properties": map[string]any{}},
		},
	}

	tr := NewTransformer(dealsMapping())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transform(tt.raw, models.ScanContext{})
			var te *TransformError
			require.ErrorAs(t, err, &te)
			require.Equal(t, tt.field, te.Field)
			require.Equal(t, models.KindTransform, KindOf(err))
		})
	}
}
