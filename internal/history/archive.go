package history

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailtrail/internal/constants"
)

// MongoArchive keeps import reports in the import_reports collection.
type MongoArchive struct {
	collection *mongo.Collection
}

func NewMongoArchive(db *mongo.Database) *MongoArchive {
	return &MongoArchive{collection: db.Collection(constants.ImportReportsCollection)}
}

func (a *MongoArchive) Save(ctx context.Context, report *ImportReport) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": report.ID}, report, opts); err != nil {
		return fmt.Errorf("failed to save import report: %w", err)
	}
	return nil
}

// Recent returns the latest reports, newest first.
func (a *MongoArchive) Recent(ctx context.Context, limit int64) ([]ImportReport, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(limit)

	cursor, err := a.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find import reports: %w", err)
	}
	defer cursor.Close(ctx)

	var reports []ImportReport
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode import reports: %w", err)
	}
	return reports, nil
}
