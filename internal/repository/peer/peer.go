package peer

import (
	"context"

	"tacmesh/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	PeerRepo struct {
		collection *mongo.Collection
	}
)

func NewPeerRepo(db *mongo.Database) *PeerRepo {
	return &PeerRepo{
		collection: db.Collection("peers"),
	}
}

func (r *PeerRepo) Load(ctx context.Context) ([]model.PeerProfile, error) {
	cur, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	var peers []model.PeerProfile
	if err := cur.All(ctx, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (r *PeerRepo) Upsert(ctx context.Context, p model.PeerProfile) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": p.DeviceID}, p, options.Replace().SetUpsert(true))
	return err
}

func (r *PeerRepo) Delete(ctx context.Context, deviceID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": deviceID})
	return err
}
