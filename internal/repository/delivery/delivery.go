package delivery

import (
	"context"

	"tacmesh/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	DeliveryRepo struct {
		collection *mongo.Collection
	}
)

func NewDeliveryRepo(db *mongo.Database) *DeliveryRepo {
	return &DeliveryRepo{
		collection: db.Collection("deliveries"),
	}
}

// EnsureIndexes creates the unique (message_id, recipient_id) index.
func (r *DeliveryRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "recipient_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *DeliveryRepo) Load(ctx context.Context) ([]model.DeliveryRecord, error) {
	cur, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	var records []model.DeliveryRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *DeliveryRepo) Upsert(ctx context.Context, rec model.DeliveryRecord) error {
	filter := bson.M{
		"message_id":   rec.MessageID,
		"recipient_id": rec.RecipientID,
	}
	_, err := r.collection.ReplaceOne(ctx, filter, rec, options.Replace().SetUpsert(true))
	return err
}
