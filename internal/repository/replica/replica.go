package replica

import (
	"context"
	"fmt"

	"tacmesh/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	ReplicaRepo struct {
		pins       *mongo.Collection
		forms      *mongo.Collection
		tombstones *mongo.Collection
	}
)

func NewReplicaRepo(db *mongo.Database) *ReplicaRepo {
	return &ReplicaRepo{
		pins:       db.Collection("pins"),
		forms:      db.Collection("linked_forms"),
		tombstones: db.Collection("tombstones"),
	}
}

func idFilter(id model.EntityID) bson.M {
	return bson.M{
		"id.type":     id.Type,
		"id.local_id": id.LocalID,
		"id.origin":   id.Origin,
	}
}

func (r *ReplicaRepo) collectionFor(t model.EntityType) (*mongo.Collection, error) {
	switch t {
	case model.EntityPin:
		return r.pins, nil
	case model.EntityForm:
		return r.forms, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", t)
}

func (r *ReplicaRepo) Load(ctx context.Context) ([]model.Pin, []model.LinkedForm, []model.Tombstone, error) {
	var pins []model.Pin
	cur, err := r.pins.Find(ctx, bson.M{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cur.All(ctx, &pins); err != nil {
		return nil, nil, nil, err
	}

	var forms []model.LinkedForm
	cur, err = r.forms.Find(ctx, bson.M{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cur.All(ctx, &forms); err != nil {
		return nil, nil, nil, err
	}

	var tombs []model.Tombstone
	cur, err = r.tombstones.Find(ctx, bson.M{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cur.All(ctx, &tombs); err != nil {
		return nil, nil, nil, err
	}
	return pins, forms, tombs, nil
}

func (r *ReplicaRepo) UpsertEntity(ctx context.Context, e model.Entity) error {
	id := e.EntityID()
	coll, err := r.collectionFor(id.Type)
	if err != nil {
		return err
	}
	_, err = coll.ReplaceOne(ctx, idFilter(id), e, options.Replace().SetUpsert(true))
	return err
}

func (r *ReplicaRepo) DeleteEntity(ctx context.Context, id model.EntityID) error {
	coll, err := r.collectionFor(id.Type)
	if err != nil {
		return err
	}
	_, err = coll.DeleteOne(ctx, idFilter(id))
	return err
}

func (r *ReplicaRepo) UpsertTombstone(ctx context.Context, t model.Tombstone) error {
	_, err := r.tombstones.ReplaceOne(ctx, idFilter(t.ID), t, options.Replace().SetUpsert(true))
	return err
}

func (r *ReplicaRepo) DeleteTombstone(ctx context.Context, id model.EntityID) error {
	_, err := r.tombstones.DeleteOne(ctx, idFilter(id))
	return err
}
