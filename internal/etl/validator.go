package etl

import (
	"fmt"

	"github.com/BartekS5/pagesync/pkg/models"
)

type Validator struct {
	Config *models.MappingSchema
}

func NewValidator(config *models.MappingSchema) *Validator {
	return &Validator{Config: config}
}

// ValidateRecord checks the record id and every field marked required.
func (v *Validator) ValidateRecord(rec models.Record) error {
	if rec.SourceID == "" {
		return fmt.Errorf("missing required ID field: %s", v.Config.IDStrategy.SourceField)
	}
	for name, f := range v.Config.Fields {
		if !f.Required {
			continue
		}
		if val, ok := rec.Properties[name]; !ok || val == nil {
			return fmt.Errorf("missing required field: %s", name)
		}
	}
	return nil
}
