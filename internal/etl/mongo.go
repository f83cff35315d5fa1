package etl

import (
	"context"
	"fmt"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLoader upserts records into a collection. Known properties are
// spread at the top level of the document, custom ones kept in a
// sub-document.
type MongoLoader struct {
	Collection *mongo.Collection
	logger     zerolog.Logger
}

func NewMongoLoader(client *mongo.Client, database string, config *models.MappingSchema, logger zerolog.Logger) *MongoLoader {
	name := config.Collection
	if name == "" {
		name = config.Entity
	}
	return &MongoLoader{
		Collection: client.Database(database).Collection(name),
		logger:     logger,
	}
}

// EnsureIndexes creates the unique index backing the upsert filter.
func (m *MongoLoader) EnsureIndexes(ctx context.Context) error {
	_, err := m.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "_tenant_id", Value: 1}, {Key: "_entity", Value: 1}, {Key: "source_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create index on %s: %w", m.Collection.Name(), err)
	}
	return nil
}

func (m *MongoLoader) Load(ctx context.Context, records []models.Record) error {
	writes := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		doc := bson.M{}
		for k, v := range rec.Properties {
			doc[k] = v
		}
		doc["_record_id"] = rec.ID.String()
		doc["_scan_id"] = rec.JobID
		doc["_source_system"] = rec.SourceSystem
		doc["_page_number"] = rec.PageNumber
		doc["_extracted_at"] = rec.ExtractedAt
		doc["custom_properties"] = rec.CustomProperties

		filter := bson.M{
			"_tenant_id": rec.TenantID,
			"_entity":    rec.Entity,
			"source_id":  rec.SourceID,
		}
		update := bson.M{"$set": doc}
		model := mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true)
		writes = append(writes, model)
	}

	if len(writes) == 0 {
		return nil
	}
	res, err := m.Collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("bulk write to %s: %w", m.Collection.Name(), err)
	}
	m.logger.Debug().
		Str("collection", m.Collection.Name()).
		Int64("matched", res.MatchedCount).
		Int64("modified", res.ModifiedCount).
		Int64("upserted", res.UpsertedCount).
		Msg("mongo bulk write")
	return nil
}
