// Package memory holds process-local repositories used when no database is
// configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"tacmesh/internal/model"
)

type (
	PeerRepo struct {
		mu    sync.Mutex
		peers map[string]model.PeerProfile
	}

	DeliveryRepo struct {
		mu      sync.Mutex
		records map[[2]string]model.DeliveryRecord
	}

	ReplicaRepo struct {
		mu         sync.Mutex
		pins       map[model.EntityID]model.Pin
		forms      map[model.EntityID]model.LinkedForm
		tombstones map[model.EntityID]model.Tombstone
	}
)

func NewPeerRepo() *PeerRepo {
	return &PeerRepo{peers: make(map[string]model.PeerProfile)}
}

func (r *PeerRepo) Load(context.Context) ([]model.PeerProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PeerProfile, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *PeerRepo) Upsert(_ context.Context, p model.PeerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.DeviceID] = p
	return nil
}

func (r *PeerRepo) Delete(_ context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, deviceID)
	return nil
}

func NewDeliveryRepo() *DeliveryRepo {
	return &DeliveryRepo{records: make(map[[2]string]model.DeliveryRecord)}
}

func (r *DeliveryRepo) Load(context.Context) ([]model.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DeliveryRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	return out, nil
}

func (r *DeliveryRepo) Upsert(_ context.Context, rec model.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[[2]string{rec.MessageID, rec.RecipientID}] = rec
	return nil
}

func NewReplicaRepo() *ReplicaRepo {
	return &ReplicaRepo{
		pins:       make(map[model.EntityID]model.Pin),
		forms:      make(map[model.EntityID]model.LinkedForm),
		tombstones: make(map[model.EntityID]model.Tombstone),
	}
}

func (r *ReplicaRepo) Load(context.Context) ([]model.Pin, []model.LinkedForm, []model.Tombstone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pins := make([]model.Pin, 0, len(r.pins))
	for _, p := range r.pins {
		pins = append(pins, p)
	}
	forms := make([]model.LinkedForm, 0, len(r.forms))
	for _, f := range r.forms {
		forms = append(forms, f)
	}
	tombs := make([]model.Tombstone, 0, len(r.tombstones))
	for _, t := range r.tombstones {
		tombs = append(tombs, t)
	}
	return pins, forms, tombs, nil
}

func (r *ReplicaRepo) UpsertEntity(_ context.Context, e model.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch v := e.(type) {
	case *model.Pin:
		r.pins[v.ID] = *v
	case *model.LinkedForm:
		r.forms[v.ID] = *v
	}
	return nil
}

func (r *ReplicaRepo) DeleteEntity(_ context.Context, id model.EntityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pins, id)
	delete(r.forms, id)
	return nil
}

func (r *ReplicaRepo) UpsertTombstone(_ context.Context, t model.Tombstone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tombstones[t.ID] = t
	return nil
}

func (r *ReplicaRepo) DeleteTombstone(_ context.Context, id model.EntityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tombstones, id)
	return nil
}
