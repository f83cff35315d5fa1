package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/BartekS5/pagesync/pkg/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo pages through a collection with keyset pagination: the cursor is
// the sort field value of the last document of the previous page.
type Mongo struct {
	Collection *mongo.Collection
	SortField  string
	MaxPage    int
}

func NewMongo(coll *mongo.Collection, sortField string, maxPage int) *Mongo {
	if sortField == "" {
		sortField = "_id"
	}
	return &Mongo{Collection: coll, SortField: sortField, MaxPage: maxPage}
}

func (m *Mongo) MaxPageSize() int { return m.MaxPage }

func (m *Mongo) cursorValue(cursor string) any {
	if m.SortField == "_id" {
		if oid, err := primitive.ObjectIDFromHex(cursor); err == nil {
			return oid
		}
	}
	return cursor
}

func (m *Mongo) FetchPage(ctx context.Context, cursor *string, pageSize int) (models.Page, error) {
	filter := bson.M{}
	if cursor != nil {
		filter[m.SortField] = bson.M{"$gt": m.cursorValue(*cursor)}
	}
	findOpts := options.Find().
		SetLimit(int64(pageSize)).
		SetSort(bson.D{{Key: m.SortField, Value: 1}})

	cur, err := m.Collection.Find(ctx, filter, findOpts)
	if err != nil {
		return models.Page{}, classifyMongo(err)
	}
	defer cur.Close(ctx)

	var page models.Page
	var last any
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return models.Page{}, &etl.FatalError{Err: fmt.Errorf("decode document: %w", err)}
		}
		last = doc[m.SortField]
		page.Records = append(page.Records, models.RawRecord(doc))
	}
	if err := cur.Err(); err != nil {
		return models.Page{}, classifyMongo(err)
	}

	if len(page.Records) == pageSize && last != nil {
		next := utils.ConvertToString(last)
		page.NextCursor = &next
	}
	return page, nil
}

func classifyMongo(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &etl.TransientError{Err: err}
	}
	return &etl.FatalError{Err: err}
}
