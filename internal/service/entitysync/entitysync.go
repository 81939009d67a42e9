package entitysync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrNotOwner = errors.New("entity is owned by another device")
	ErrDeleted  = errors.New("entity has been deleted")
	ErrInvalid  = errors.New("invalid entity identity")
)

type (
	Repository interface {
		Load(ctx context.Context) ([]model.Pin, []model.LinkedForm, []model.Tombstone, error)
		UpsertEntity(ctx context.Context, e model.Entity) error
		DeleteEntity(ctx context.Context, id model.EntityID) error
		UpsertTombstone(ctx context.Context, t model.Tombstone) error
		DeleteTombstone(ctx context.Context, id model.EntityID) error
	}

	// Publisher broadcasts a payload to every peer. It must not block on I/O.
	Publisher interface {
		Broadcast(ctx context.Context, p model.Payload) (string, error)
	}

	ProfileSource func() model.PeerProfile

	// Coordinator keeps the replica store of pins and linked forms. Entities are
	// keyed by (type, local id, origin device) and only the origin device
	// publishes them; deletes leave a tombstone that outranks any later create.
	Coordinator struct {
		mu         sync.RWMutex
		localID    string
		entities   map[model.EntityID]model.Entity
		tombstones map[model.EntityID]model.Tombstone
		nextLocal  map[model.EntityType]int64

		repo      Repository
		pub       Publisher
		profile   ProfileSource
		notify    func(model.Event)
		retention time.Duration
		now       func() time.Time
	}

	Option func(*Coordinator)
)

func WithNotifier(fn func(model.Event)) Option {
	return func(c *Coordinator) { c.notify = fn }
}

func WithProfileSource(fn ProfileSource) Option {
	return func(c *Coordinator) { c.profile = fn }
}

// WithTombstoneRetention bounds how long tombstones are kept by
// CompactTombstones. Zero keeps them forever.
func WithTombstoneRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(localID string, repo Repository, pub Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		localID:    localID,
		entities:   make(map[model.EntityID]model.Entity),
		tombstones: make(map[model.EntityID]model.Tombstone),
		nextLocal:  map[model.EntityType]int64{model.EntityPin: 1, model.EntityForm: 1},
		repo:       repo,
		pub:        pub,
		notify:     func(model.Event) {},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetPublisher attaches the transport once it exists; the transport in turn
// dispatches inbound entity traffic back to this coordinator.
func (c *Coordinator) SetPublisher(pub Publisher) {
	c.pub = pub
}

func (c *Coordinator) Load(ctx context.Context) error {
	pins, forms, tombs, err := c.repo.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range tombs {
		c.tombstones[tombs[i].ID] = tombs[i]
		c.bumpLocked(tombs[i].ID)
	}
	for i := range pins {
		p := pins[i]
		c.loadLocked(&p)
	}
	for i := range forms {
		f := forms[i]
		c.loadLocked(&f)
	}
	return nil
}

func (c *Coordinator) loadLocked(e model.Entity) {
	id := e.EntityID()
	if _, dead := c.tombstones[id]; dead {
		return
	}
	c.entities[id] = e
	c.bumpLocked(id)
}

// bumpLocked keeps local ids unique even across deletes.
func (c *Coordinator) bumpLocked(id model.EntityID) {
	if id.Origin == c.localID && id.LocalID >= c.nextLocal[id.Type] {
		c.nextLocal[id.Type] = id.LocalID + 1
	}
}

// CreatePin assigns the next local id to pin and publishes it. The pin is kept
// even when the broadcast fails; the next sync re-publishes it.
func (c *Coordinator) CreatePin(ctx context.Context, pin model.Pin) (model.Pin, error) {
	pin.ID = c.allocate(model.EntityPin)
	if pin.CreatedAtMs == 0 {
		pin.CreatedAtMs = c.now().UnixMilli()
	}
	return pin, c.PublishCreate(ctx, &pin)
}

// CreateForm assigns the next local id to form and publishes it.
func (c *Coordinator) CreateForm(ctx context.Context, form model.LinkedForm) (model.LinkedForm, error) {
	form.ID = c.allocate(model.EntityForm)
	if form.CreatedAtMs == 0 {
		form.CreatedAtMs = c.now().UnixMilli()
	}
	return form, c.PublishCreate(ctx, &form)
}

func (c *Coordinator) allocate(t model.EntityType) model.EntityID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := model.EntityID{Type: t, LocalID: c.nextLocal[t], Origin: c.localID}
	c.nextLocal[t]++
	return id
}

// PublishCreate stores a locally owned entity and broadcasts it. Publishing an
// existing identity replaces it on every peer.
func (c *Coordinator) PublishCreate(ctx context.Context, e model.Entity) error {
	id := e.EntityID()
	if !id.Valid() {
		return ErrInvalid
	}
	if id.Origin != c.localID {
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	}

	c.mu.Lock()
	if _, dead := c.tombstones[id]; dead {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeleted, id)
	}
	e = copyEntity(e)
	c.entities[id] = e
	c.bumpLocked(id)
	c.mu.Unlock()

	c.persist(ctx, e)
	c.notify(model.EntityChanged{ID: id, Entity: copyEntity(e)})
	_, err := c.pub.Broadcast(ctx, e)
	return err
}

// PublishDelete tombstones a locally owned id and broadcasts the delete.
func (c *Coordinator) PublishDelete(ctx context.Context, id model.EntityID) error {
	if !id.Valid() {
		return ErrInvalid
	}
	if id.Origin != c.localID {
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	t := c.applyDelete(ctx, model.Tombstone{ID: id, DeletedAtMs: c.now().UnixMilli(), DeletedBy: c.localID})
	_, err := c.pub.Broadcast(ctx, deletePayload(t))
	return err
}

// OnReceiveCreate applies a peer's entity. It reports whether the replica store
// changed.
func (c *Coordinator) OnReceiveCreate(ctx context.Context, sender string, e model.Entity) bool {
	id := e.EntityID()
	if !id.Valid() {
		log.Warn("entity with invalid identity dropped", zap.String("sender", sender))
		return false
	}
	if id.Origin != sender {
		log.Warn("entity published by non-owner dropped",
			zap.String("sender", sender), zap.String("entity", id.String()))
		return false
	}

	c.mu.Lock()
	if _, dead := c.tombstones[id]; dead {
		c.mu.Unlock()
		log.Debug("create for deleted entity ignored", zap.String("entity", id.String()))
		return false
	}
	e = copyEntity(e)
	c.entities[id] = e
	c.mu.Unlock()

	c.persist(ctx, e)
	c.notify(model.EntityChanged{ID: id, Entity: copyEntity(e)})
	return true
}

// OnReceiveDelete records a tombstone, even for an entity never seen, and drops
// the replica. Only the owning device may delete.
func (c *Coordinator) OnReceiveDelete(ctx context.Context, sender string, t model.Tombstone) bool {
	if !t.ID.Valid() {
		return false
	}
	if t.ID.Origin != sender {
		log.Warn("delete from non-owner dropped",
			zap.String("sender", sender), zap.String("entity", t.ID.String()))
		return false
	}
	t.DeletedBy = sender
	if t.DeletedAtMs == 0 {
		t.DeletedAtMs = c.now().UnixMilli()
	}

	c.mu.RLock()
	_, already := c.tombstones[t.ID]
	c.mu.RUnlock()
	if already {
		return false
	}
	c.applyDelete(ctx, t)
	return true
}

func (c *Coordinator) applyDelete(ctx context.Context, t model.Tombstone) model.Tombstone {
	c.mu.Lock()
	if old, ok := c.tombstones[t.ID]; ok {
		t = old
	}
	c.tombstones[t.ID] = t
	_, existed := c.entities[t.ID]
	delete(c.entities, t.ID)
	c.bumpLocked(t.ID)
	c.mu.Unlock()

	if err := c.repo.UpsertTombstone(ctx, t); err != nil {
		log.Error("persist tombstone failed", zap.String("entity", t.ID.String()), zap.Error(err))
	}
	if existed {
		if err := c.repo.DeleteEntity(ctx, t.ID); err != nil {
			log.Error("delete replica failed", zap.String("entity", t.ID.String()), zap.Error(err))
		}
	}
	c.notify(model.EntityChanged{ID: t.ID, Deleted: true})
	return t
}

// OnRequestAll answers a peer's resync request with every locally owned entity.
func (c *Coordinator) OnRequestAll(ctx context.Context, requester string) error {
	log.Debug("answering request-all", zap.String("requester", requester))
	return c.republishOwned(ctx)
}

func (c *Coordinator) republishOwned(ctx context.Context) error {
	var errs []error
	for _, e := range c.owned() {
		if _, err := c.pub.Broadcast(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("republish %s: %w", e.EntityID(), err))
		}
	}
	return errors.Join(errs...)
}

// SyncAll re-announces this device after it rejoins the mesh: hello, profile,
// every owned entity, then a request for every peer's entities. Nothing waits
// for answers; they arrive as ordinary inbound messages. Repeating it is
// harmless because every apply is insert-or-replace by identity.
func (c *Coordinator) SyncAll(ctx context.Context, callsign, deviceID string) error {
	now := c.now().UnixMilli()
	var errs []error

	hello := &model.Hello{DeviceID: deviceID, Callsign: callsign, SentAtMs: now}
	if c.profile != nil {
		hello.Nickname = c.profile().Nickname
	}
	if _, err := c.pub.Broadcast(ctx, hello); err != nil {
		errs = append(errs, fmt.Errorf("hello: %w", err))
	}

	if c.profile != nil {
		p := c.profile()
		p.DeviceID = deviceID
		if p.Callsign == "" {
			p.Callsign = callsign
		}
		p.LastSeenMs = now
		if _, err := c.pub.Broadcast(ctx, &model.ProfileUpdate{Profile: p}); err != nil {
			errs = append(errs, fmt.Errorf("profile: %w", err))
		}
	}

	if err := c.republishOwned(ctx); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.pub.Broadcast(ctx, &model.RequestAll{RequesterID: deviceID}); err != nil {
		errs = append(errs, fmt.Errorf("request-all: %w", err))
	}
	return errors.Join(errs...)
}

// CompactTombstones drops tombstones older than the configured retention and
// returns how many were removed.
func (c *Coordinator) CompactTombstones(ctx context.Context, now time.Time) int {
	if c.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-c.retention).UnixMilli()

	c.mu.Lock()
	var expired []model.EntityID
	for id, t := range c.tombstones {
		if t.DeletedAtMs < cutoff {
			expired = append(expired, id)
			delete(c.tombstones, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		if err := c.repo.DeleteTombstone(ctx, id); err != nil {
			log.Error("delete tombstone failed", zap.String("entity", id.String()), zap.Error(err))
		}
	}
	return len(expired)
}

func (c *Coordinator) Get(id model.EntityID) (model.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[id]
	if !ok {
		return nil, false
	}
	return copyEntity(e), true
}

func (c *Coordinator) IsTombstoned(id model.EntityID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tombstones[id]
	return ok
}

func (c *Coordinator) Pins() []model.Pin {
	c.mu.RLock()
	var out []model.Pin
	for _, e := range c.entities {
		if p, ok := e.(*model.Pin); ok {
			out = append(out, *p)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

func (c *Coordinator) Forms() []model.LinkedForm {
	c.mu.RLock()
	var out []model.LinkedForm
	for _, e := range c.entities {
		if f, ok := e.(*model.LinkedForm); ok {
			out = append(out, *copyEntity(f).(*model.LinkedForm))
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

func (c *Coordinator) owned() []model.Entity {
	c.mu.RLock()
	var out []model.Entity
	for id, e := range c.entities {
		if id.Origin == c.localID {
			out = append(out, copyEntity(e))
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].EntityID(), out[j].EntityID()) })
	return out
}

func (c *Coordinator) persist(ctx context.Context, e model.Entity) {
	if err := c.repo.UpsertEntity(ctx, e); err != nil {
		log.Error("persist replica failed", zap.String("entity", e.EntityID().String()), zap.Error(err))
	}
}

func deletePayload(t model.Tombstone) model.Payload {
	if t.ID.Type == model.EntityForm {
		return &model.FormDelete{Tombstone: t}
	}
	return &model.PinDelete{Tombstone: t}
}

func copyEntity(e model.Entity) model.Entity {
	switch v := e.(type) {
	case *model.Pin:
		p := *v
		return &p
	case *model.LinkedForm:
		f := *v
		if v.Fields != nil {
			f.Fields = make(map[string]string, len(v.Fields))
			for k, val := range v.Fields {
				f.Fields[k] = val
			}
		}
		if v.PinRef != nil {
			ref := *v.PinRef
			f.PinRef = &ref
		}
		return &f
	}
	return e
}

func idLess(a, b model.EntityID) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	return a.LocalID < b.LocalID
}
