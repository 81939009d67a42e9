package model

type (
	Position struct {
		Lat        float64 `json:"lat" bson:"lat"`
		Lon        float64 `json:"lon" bson:"lon"`
		AltM       float64 `json:"alt_m,omitempty" bson:"alt_m,omitempty"`
		HeadingDeg float64 `json:"heading_deg,omitempty" bson:"heading_deg,omitempty"`
		SpeedMps   float64 `json:"speed_mps,omitempty" bson:"speed_mps,omitempty"`
		AccuracyM  float64 `json:"accuracy_m,omitempty" bson:"accuracy_m,omitempty"`
		AtMs       int64   `json:"at_ms" bson:"at_ms"`
	}

	PeerProfile struct {
		DeviceID   string `json:"device_id" bson:"_id"`
		Nickname   string `json:"nickname,omitempty" bson:"nickname,omitempty"`
		Callsign   string `json:"callsign,omitempty" bson:"callsign,omitempty"`
		Company    string `json:"company,omitempty" bson:"company,omitempty"`
		Platoon    string `json:"platoon,omitempty" bson:"platoon,omitempty"`
		Squad      string `json:"squad,omitempty" bson:"squad,omitempty"`
		Mobile     string `json:"mobile,omitempty" bson:"mobile,omitempty"`
		Email      string `json:"email,omitempty" bson:"email,omitempty"`
		Role       string `json:"role,omitempty" bson:"role,omitempty"`
		PhotoRef   string `json:"photo_ref,omitempty" bson:"photo_ref,omitempty"`
		LastSeenMs int64  `json:"last_seen_ms" bson:"last_seen_ms"`
		// UpdatedAtMs is the sender's time of the profile text; LastSeenMs is
		// bumped by any traffic and says nothing about it.
		UpdatedAtMs     int64     `json:"updated_at_ms,omitempty" bson:"updated_at_ms,omitempty"`
		OriginTransport string    `json:"origin_transport,omitempty" bson:"origin_transport,omitempty"`
		LastPosition    *Position `json:"last_position,omitempty" bson:"last_position,omitempty"`

		// Blocked is local state and never leaves the device.
		Blocked bool `json:"-" bson:"blocked"`
	}
)

// Normalized returns a copy with every text field passed through Normalize.
func (p PeerProfile) Normalized() PeerProfile {
	p.DeviceID = Normalize(p.DeviceID)
	p.Nickname = Normalize(p.Nickname)
	p.Callsign = Normalize(p.Callsign)
	p.Company = Normalize(p.Company)
	p.Platoon = Normalize(p.Platoon)
	p.Squad = Normalize(p.Squad)
	p.Mobile = Normalize(p.Mobile)
	p.Email = Normalize(p.Email)
	p.Role = NormalizeRole(p.Role)
	p.PhotoRef = Normalize(p.PhotoRef)
	p.OriginTransport = Normalize(p.OriginTransport)
	if p.LastPosition != nil {
		pos := *p.LastPosition
		p.LastPosition = &pos
	}
	return p
}

// DisplayName prefers the callsign, then the nickname.
func (p PeerProfile) DisplayName() string {
	if p.Callsign != "" {
		return p.Callsign
	}
	return p.Nickname
}

func (p PeerProfile) HasDisplayIdentity() bool {
	return p.Callsign != "" || p.Nickname != ""
}
