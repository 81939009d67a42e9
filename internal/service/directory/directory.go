package directory

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/utils/log"

	"go.uber.org/zap"
)

const DefaultOnlineThreshold = 300 * time.Second

type (
	Repository interface {
		Load(ctx context.Context) ([]model.PeerProfile, error)
		Upsert(ctx context.Context, p model.PeerProfile) error
		Delete(ctx context.Context, deviceID string) error
	}

	Directory struct {
		mu        sync.RWMutex
		localID   string
		peers     map[string]model.PeerProfile
		repo      Repository
		threshold time.Duration
		now       func() time.Time
	}

	Option func(*Directory)
)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func WithOnlineThreshold(th time.Duration) Option {
	return func(d *Directory) {
		if th > 0 {
			d.threshold = th
		}
	}
}

func New(localID string, repo Repository, opts ...Option) *Directory {
	d := &Directory{
		localID:   localID,
		peers:     make(map[string]model.PeerProfile),
		repo:      repo,
		threshold: DefaultOnlineThreshold,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Directory) LocalID() string {
	return d.localID
}

// Load replaces the in-memory view with the persisted table.
func (d *Directory) Load(ctx context.Context) error {
	peers, err := d.repo.Load(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range peers {
		p = p.Normalized()
		if p.DeviceID == "" {
			continue
		}
		d.peers[p.DeviceID] = p
	}
	return nil
}

// Apply merges incoming into the stored profile. It reports whether anything
// changed.
func (d *Directory) Apply(ctx context.Context, incoming model.PeerProfile) (model.PeerProfile, bool) {
	incoming = incoming.Normalized()
	if incoming.DeviceID == "" {
		return model.PeerProfile{}, false
	}
	// blocked is a local decision; a peer cannot set or clear it
	incoming.Blocked = false

	d.mu.Lock()
	existing, ok := d.peers[incoming.DeviceID]
	merged := incoming
	if ok {
		merged = Merge(existing, incoming)
	}
	changed := !ok || !reflect.DeepEqual(existing, merged)
	if changed {
		d.peers[merged.DeviceID] = merged
	}
	d.mu.Unlock()

	if changed {
		d.persist(ctx, merged)
	}
	return merged, changed
}

// Touch records that deviceID was heard from at atMs over transport.
func (d *Directory) Touch(ctx context.Context, deviceID string, atMs int64, transport string) (model.PeerProfile, bool) {
	return d.Apply(ctx, model.PeerProfile{
		DeviceID:        deviceID,
		LastSeenMs:      atMs,
		OriginTransport: transport,
	})
}

func (d *Directory) UpdatePosition(ctx context.Context, deviceID, callsign string, pos model.Position, transport string) (model.PeerProfile, bool) {
	seen := pos.AtMs
	if seen == 0 {
		seen = d.now().UnixMilli()
		pos.AtMs = seen
	}
	return d.Apply(ctx, model.PeerProfile{
		DeviceID:        deviceID,
		Callsign:        callsign,
		LastSeenMs:      seen,
		OriginTransport: transport,
		LastPosition:    &pos,
	})
}

func (d *Directory) Get(deviceID string) (model.PeerProfile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[deviceID]
	return p, ok
}

// Snapshot returns a copy of every known profile ordered by device id.
func (d *Directory) Snapshot() []model.PeerProfile {
	d.mu.RLock()
	out := make([]model.PeerProfile, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.Normalized())
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (d *Directory) IsOnline(p model.PeerProfile) bool {
	return IsOnline(p, d.now(), d.threshold)
}

func (d *Directory) usable(p model.PeerProfile) bool {
	return p.DeviceID != d.localID && !p.Blocked && p.HasDisplayIdentity()
}

// FilterForRecipients lists peers that may appear in a recipient list.
func (d *Directory) FilterForRecipients() []model.PeerProfile {
	var out []model.PeerProfile
	for _, p := range d.Snapshot() {
		if d.usable(p) {
			out = append(out, p)
		}
	}
	return out
}

// FilterForChat is FilterForRecipients ordered for display: online peers first,
// then by display name.
func (d *Directory) FilterForChat() []model.PeerProfile {
	out := d.FilterForRecipients()
	now := d.now()
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := IsOnline(out[i], now, d.threshold), IsOnline(out[j], now, d.threshold)
		if oi != oj {
			return oi
		}
		return strings.ToLower(out[i].DisplayName()) < strings.ToLower(out[j].DisplayName())
	})
	return out
}

// Resolve maps callsigns, nicknames or device ids to device ids of usable peers.
func (d *Directory) Resolve(names []string) ([]string, []string) {
	peers := d.FilterForRecipients()
	var ids, missing []string
	for _, n := range names {
		found := ""
		for _, p := range peers {
			if p.DeviceID == n || strings.EqualFold(p.Callsign, n) || strings.EqualFold(p.Nickname, n) {
				found = p.DeviceID
				break
			}
		}
		if found == "" {
			missing = append(missing, n)
			continue
		}
		ids = append(ids, found)
	}
	return ids, missing
}

func (d *Directory) IsBlocked(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peers[deviceID].Blocked
}

func (d *Directory) Block(ctx context.Context, deviceID string) {
	d.setBlocked(ctx, deviceID, true)
}

func (d *Directory) Unblock(ctx context.Context, deviceID string) {
	d.setBlocked(ctx, deviceID, false)
}

func (d *Directory) setBlocked(ctx context.Context, deviceID string, blocked bool) {
	d.mu.Lock()
	p, ok := d.peers[deviceID]
	if !ok {
		p = model.PeerProfile{DeviceID: deviceID}
	}
	p.Blocked = blocked
	d.peers[deviceID] = p
	d.mu.Unlock()

	d.persist(ctx, p)
}

// Remove forgets a peer. It is recreated on its next hello.
func (d *Directory) Remove(ctx context.Context, deviceID string) {
	d.mu.Lock()
	delete(d.peers, deviceID)
	d.mu.Unlock()

	if err := d.repo.Delete(ctx, deviceID); err != nil {
		log.Error("remove peer failed", zap.String("device", deviceID), zap.Error(err))
	}
}

func (d *Directory) persist(ctx context.Context, p model.PeerProfile) {
	if err := d.repo.Upsert(ctx, p); err != nil {
		log.Error("persist peer failed", zap.String("device", p.DeviceID), zap.Error(err))
	}
}
