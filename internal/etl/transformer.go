package etl

import (
	"fmt"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/BartekS5/pagesync/pkg/utils"
	"github.com/google/uuid"
)

// MappingTransformer normalizes raw vendor records using a mapping: known
// fields are converted into Properties, everything else not nil goes to
// CustomProperties.
type MappingTransformer struct {
	Config    *models.MappingSchema
	Validator *Validator

	known map[string]bool
	now   func() time.Time
}

func NewTransformer(config *models.MappingSchema) *MappingTransformer {
	known := map[string]bool{config.IDStrategy.SourceField: true}
	for _, f := range config.Fields {
		known[f.Source] = true
	}
	return &MappingTransformer{
		Config:    config,
		Validator: NewValidator(config),
		known:     known,
		now:       time.Now,
	}
}

func (t *MappingTransformer) Transform(raw models.RawRecord, sc models.ScanContext) (models.Record, error) {
	bag := t.propertyBag(raw)

	idVal := t.lookup(raw, bag, t.Config.IDStrategy.SourceField)
	if idVal == nil {
		return models.Record{}, &TransformError{
			Field: t.Config.IDStrategy.SourceField,
			Err:   fmt.Errorf("missing record id"),
		}
	}
	sourceID := utils.ConvertToString(idVal)

	rec := models.Record{
		ID:               uuid.New(),
		SourceID:         sourceID,
		TenantID:         sc.TenantID,
		JobID:            sc.JobID,
		Entity:           t.Config.Entity,
		SourceSystem:     t.Config.SourceSystem,
		PageNumber:       sc.PageNumber,
		ExtractedAt:      t.now().UTC(),
		Properties:       make(map[string]any, len(t.Config.Fields)),
		CustomProperties: make(map[string]any),
	}

	for name, fieldCfg := range t.Config.Fields {
		val := t.lookup(raw, bag, fieldCfg.Source)
		if val == nil {
			val = fieldCfg.Default
		}
		converted, err := utils.ConvertValue(val, fieldCfg)
		if err != nil {
			return models.Record{}, &TransformError{SourceID: sourceID, Field: name, Err: err}
		}
		rec.Properties[name] = converted
	}

	for key, val := range bag {
		if val == nil || t.known[key] {
			continue
		}
		rec.CustomProperties[key] = val
	}

	if err := t.Validator.ValidateRecord(rec); err != nil {
		return models.Record{}, &TransformError{SourceID: sourceID, Err: err}
	}
	return rec, nil
}

// propertyBag returns the map holding the vendor properties: a nested
// object such as HubSpot's "properties", or the record itself.
func (t *MappingTransformer) propertyBag(raw models.RawRecord) map[string]any {
	if t.Config.PropertiesField == "" {
		return raw
	}
	if nested, ok := raw[t.Config.PropertiesField].(map[string]any); ok {
		return nested
	}
	return map[string]any{}
}

func (t *MappingTransformer) lookup(raw models.RawRecord, bag map[string]any, key string) any {
	if v, ok := bag[key]; ok && v != nil {
		return v
	}
	return raw[key]
}
