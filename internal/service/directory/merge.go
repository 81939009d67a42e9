package directory

import (
	"time"

	"tacmesh/internal/model"
)

// Merge combines two views of the same device. Each field rule is symmetric and
// idempotent, so fragments arriving out of order over two transports converge:
//   - a present value beats an absent one;
//   - between two present values the fresher profile wins, judged by
//     UpdatedAtMs and then LastSeenMs, and equal freshness falls back to the
//     lexicographically larger value;
//   - OriginTransport follows the larger LastSeenMs;
//   - LastSeenMs and UpdatedAtMs are maxima, LastPosition the later fix,
//     Blocked is sticky.
func Merge(existing, incoming model.PeerProfile) model.PeerProfile {
	a := existing.Normalized()
	b := incoming.Normalized()

	// order the pair so that the result does not depend on argument order
	fresh, stale := a, b
	if b.UpdatedAtMs > a.UpdatedAtMs || (b.UpdatedAtMs == a.UpdatedAtMs && b.LastSeenMs > a.LastSeenMs) {
		fresh, stale = b, a
	}
	tie := a.UpdatedAtMs == b.UpdatedAtMs && a.LastSeenMs == b.LastSeenMs

	seen, unseen := a, b
	if b.LastSeenMs > a.LastSeenMs {
		seen, unseen = b, a
	}
	seenTie := a.LastSeenMs == b.LastSeenMs

	pickWith := func(tie bool) func(x, y string) string {
		return func(x, y string) string {
			switch {
			case x == "":
				return y
			case y == "":
				return x
			case tie && y > x:
				return y
			default:
				return x
			}
		}
	}
	pick := pickWith(tie)

	return model.PeerProfile{
		DeviceID:        pick(fresh.DeviceID, stale.DeviceID),
		Nickname:        pick(fresh.Nickname, stale.Nickname),
		Callsign:        pick(fresh.Callsign, stale.Callsign),
		Company:         pick(fresh.Company, stale.Company),
		Platoon:         pick(fresh.Platoon, stale.Platoon),
		Squad:           pick(fresh.Squad, stale.Squad),
		Mobile:          pick(fresh.Mobile, stale.Mobile),
		Email:           pick(fresh.Email, stale.Email),
		Role:            pick(fresh.Role, stale.Role),
		PhotoRef:        pick(fresh.PhotoRef, stale.PhotoRef),
		OriginTransport: pickWith(seenTie)(seen.OriginTransport, unseen.OriginTransport),
		LastSeenMs:      max(a.LastSeenMs, b.LastSeenMs),
		UpdatedAtMs:     max(a.UpdatedAtMs, b.UpdatedAtMs),
		LastPosition:    laterPosition(a.LastPosition, b.LastPosition),
		Blocked:         a.Blocked || b.Blocked,
	}
}

func laterPosition(x, y *model.Position) *model.Position {
	switch {
	case x == nil && y == nil:
		return nil
	case x == nil:
		p := *y
		return &p
	case y == nil:
		p := *x
		return &p
	}
	if y.AtMs > x.AtMs || (y.AtMs == x.AtMs && positionLess(*x, *y)) {
		x = y
	}
	p := *x
	return &p
}

func positionLess(x, y model.Position) bool {
	fx := [...]float64{x.Lat, x.Lon, x.AltM, x.HeadingDeg, x.SpeedMps, x.AccuracyM}
	fy := [...]float64{y.Lat, y.Lon, y.AltM, y.HeadingDeg, y.SpeedMps, y.AccuracyM}
	for i := range fx {
		if fx[i] != fy[i] {
			return fx[i] < fy[i]
		}
	}
	return false
}

// IsOnline is derived from LastSeenMs, never stored.
func IsOnline(p model.PeerProfile, now time.Time, threshold time.Duration) bool {
	if p.LastSeenMs == 0 {
		return false
	}
	return now.UnixMilli()-p.LastSeenMs < threshold.Milliseconds()
}
