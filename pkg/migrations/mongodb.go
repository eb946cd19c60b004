package migrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Server error codes for an index that exists with other options.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// ImportReportIndexes lists the archive's indexes. A positive retention adds
// a TTL index that expires reports that long after they finished.
func ImportReportIndexes(retention time.Duration) []mongo.IndexModel {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "started_at", Value: -1}},
			Options: options.Index().SetName("idx_import_reports_started_at"),
		},
		{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("idx_import_reports_source_started_at"),
		},
	}
	if retention > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "finished_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_import_reports_finished_at").
				SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}
	return indexes
}

// EnsureImportReportIndexes creates the archive's indexes. Indexes that
// already exist, even with other options, are left alone.
func EnsureImportReportIndexes(ctx context.Context, db *mongo.Database, collectionName string, retention time.Duration) error {
	collection := db.Collection(collectionName)

	if _, err := collection.Indexes().CreateMany(ctx, ImportReportIndexes(retention)); err != nil && !indexConflict(err) {
		return fmt.Errorf("failed to create indexes on %s: %w", collectionName, err)
	}
	return nil
}

func indexConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == codeIndexOptionsConflict || cmdErr.Code == codeIndexKeySpecsConflict
	}
	return false
}
