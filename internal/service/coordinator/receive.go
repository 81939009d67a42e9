package coordinator

import (
	"context"
	"errors"

	"tacmesh/internal/metrics"
	"tacmesh/internal/model"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"
	"tacmesh/internal/utils/log"

	"go.uber.org/zap"
)

// OnReceive hands a raw frame to the inbound worker. It is the Inbound callback
// of every adapter and blocks only while the inbound queue is full.
func (c *Coordinator) OnReceive(data []byte, label string) {
	name, stored := transport.SplitLabel(label)
	select {
	case c.inbound <- inboundFrame{data: data, transport: name, stored: stored}:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.inbound:
			c.process(c.ctx, f)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, f inboundFrame) {
	env, err := security.Parse(f.data)
	if err != nil {
		c.reject(err, f.transport)
		return
	}
	if env.Sender == c.LocalID() {
		return
	}

	key := seenKey{messageID: env.ID, sender: env.Sender}
	if known, sameCopy := c.seen.lookup(key, env.Seq); known {
		c.duplicate(ctx, f, env, sameCopy)
		return
	}

	plain, err := c.unwrap(f, env)
	if err != nil {
		c.reject(err, f.transport)
		return
	}
	c.seen.add(key, env.Seq)

	payload, err := model.DecodePayload(env.Kind, plain)
	if err != nil {
		c.reject(&security.VerificationError{Reason: security.ReasonMalformed, Sender: env.Sender, Err: errors.Join(security.ErrMalformed, err)}, f.transport)
		return
	}

	if c.dir.IsBlocked(env.Sender) {
		log.Debug("dropped message from blocked device", zap.String("sender", env.Sender), zap.String("kind", string(env.Kind)))
		return
	}

	metrics.EnvelopesReceived.WithLabelValues(f.transport, string(env.Kind)).Inc()
	c.dir.Touch(ctx, env.Sender, c.now().UnixMilli(), f.transport)

	c.dispatch(ctx, env, payload, f.transport)
	c.received.Add(1)
}

// duplicate handles another copy of an already processed message. A copy with
// a sequence not seen before is a deliberate resend: the original ack may have
// been lost, so after verifying the copy the delivered ack goes out again.
func (c *Coordinator) duplicate(ctx context.Context, f inboundFrame, env *model.Envelope, sameCopy bool) {
	c.duplicates.Add(1)
	metrics.EnvelopesDuplicate.Inc()

	if sameCopy || !env.Kind.IsDirected() {
		log.Debug("duplicate dropped", zap.String("sender", env.Sender), zap.String("transport", f.transport))
		return
	}
	plain, err := c.unwrap(f, env)
	if err != nil {
		c.reject(err, f.transport)
		return
	}
	c.seen.add(seenKey{messageID: env.ID, sender: env.Sender}, env.Seq)

	payload, err := model.DecodePayload(env.Kind, plain)
	if err != nil {
		return
	}
	if d, ok := payload.(model.Directed); ok && addressedTo(d, c.LocalID()) && !c.dir.IsBlocked(env.Sender) {
		if err := c.sendAck(env.Kind, env.ID, env.Sender, model.AckDelivered); err != nil {
			log.Warn("re-ack failed", zap.String("message", env.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) unwrap(f inboundFrame, env *model.Envelope) ([]byte, error) {
	if f.stored {
		return c.sec.UnwrapStored(env)
	}
	return c.sec.Unwrap(env)
}

func (c *Coordinator) dispatch(ctx context.Context, env *model.Envelope, payload model.Payload, transport string) {
	sender := env.Sender
	switch p := payload.(type) {
	case *model.Hello:
		if p.DeviceID != sender {
			c.spoofed(env, p.DeviceID)
			return
		}
		c.applyProfile(ctx, model.PeerProfile{
			DeviceID:        sender,
			Callsign:        p.Callsign,
			Nickname:        p.Nickname,
			LastSeenMs:      env.TimestampMs,
			UpdatedAtMs:     env.TimestampMs,
			OriginTransport: transport,
		})

	case *model.ProfileUpdate:
		if p.Profile.DeviceID != sender {
			c.spoofed(env, p.Profile.DeviceID)
			return
		}
		prof := p.Profile
		if prof.LastSeenMs < env.TimestampMs {
			prof.LastSeenMs = env.TimestampMs
		}
		prof.UpdatedAtMs = env.TimestampMs
		prof.OriginTransport = transport
		c.applyProfile(ctx, prof)

	case *model.PositionUpdate:
		if p.DeviceID != sender {
			c.spoofed(env, p.DeviceID)
			return
		}
		if p.Position.AtMs == 0 {
			p.Position.AtMs = env.TimestampMs
		}
		prof, changed := c.dir.UpdatePosition(ctx, sender, p.Callsign, p.Position, transport)
		c.Emit(model.PositionReceived{DeviceID: sender, Position: p.Position})
		if changed {
			c.Emit(model.PeerUpdated{Profile: prof})
		}

	case *model.Pin:
		c.withEntities(func(h EntityHandler) { h.OnReceiveCreate(ctx, sender, p) })
	case *model.LinkedForm:
		c.withEntities(func(h EntityHandler) { h.OnReceiveCreate(ctx, sender, p) })
	case *model.PinDelete:
		c.withEntities(func(h EntityHandler) { h.OnReceiveDelete(ctx, sender, p.Tombstone) })
	case *model.FormDelete:
		c.withEntities(func(h EntityHandler) { h.OnReceiveDelete(ctx, sender, p.Tombstone) })
	case *model.RequestAll:
		c.withEntities(func(h EntityHandler) {
			if err := h.OnRequestAll(ctx, sender); err != nil {
				log.Warn("request-all reply incomplete", zap.String("requester", sender), zap.Error(err))
			}
		})

	case *model.Ack:
		c.applyAck(ctx, env, p, transport)

	case model.Directed:
		if !addressedTo(p, c.LocalID()) {
			return
		}
		c.Emit(model.MessageReceived{Message: incoming(env, p), Transport: transport})
		if err := c.sendAck(env.Kind, env.ID, sender, model.AckDelivered); err != nil {
			log.Warn("ack failed", zap.String("message", env.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) applyAck(ctx context.Context, env *model.Envelope, ack *model.Ack, transport string) {
	if ack.ToDeviceID != c.LocalID() {
		return
	}
	if ack.FromDeviceID != env.Sender {
		c.spoofed(env, ack.FromDeviceID)
		return
	}

	_, changed, err := c.led.RecordAck(ctx, ack.SubjectID, env.Sender, ack.Type, ack.TimestampMs)
	if err != nil {
		log.Debug("ack for unknown delivery", zap.String("message", ack.SubjectID), zap.String("sender", env.Sender))
		return
	}
	c.Emit(model.MessageReceived{Message: incoming(env, ack), Transport: transport})
	if changed {
		c.emitSummary(ack.SubjectID)
		c.forgetIfSettled(ack.SubjectID)
	}
}

func (c *Coordinator) applyProfile(ctx context.Context, p model.PeerProfile) {
	if merged, changed := c.dir.Apply(ctx, p); changed {
		c.Emit(model.PeerUpdated{Profile: merged})
	}
}

func (c *Coordinator) withEntities(fn func(EntityHandler)) {
	if c.entities == nil {
		log.Debug("entity traffic without handler dropped")
		return
	}
	fn(c.entities)
}

func (c *Coordinator) reject(err error, transport string) {
	reason := security.ReasonOf(err)
	c.rejected.Add(1)
	metrics.EnvelopesRejected.WithLabelValues(string(reason)).Inc()

	var verr *security.VerificationError
	sender := ""
	if errors.As(err, &verr) {
		sender = verr.Sender
	}
	log.Warn("envelope rejected",
		zap.String("reason", string(reason)),
		zap.String("sender", sender),
		zap.String("transport", transport),
		zap.Error(err))
}

func (c *Coordinator) spoofed(env *model.Envelope, claimed string) {
	c.reject(&security.VerificationError{
		Reason: security.ReasonPolicyRejected,
		Sender: env.Sender,
		Err:    errors.Join(security.ErrPolicyRejected, errors.New("payload names device "+claimed)),
	}, "")
}

func addressedTo(d model.Directed, id string) bool {
	for _, r := range d.RecipientIDs() {
		if r == id {
			return true
		}
	}
	return false
}

func incoming(env *model.Envelope, p model.Payload) model.OutboundMessage {
	var rcpts []string
	if d, ok := p.(model.Directed); ok {
		rcpts = d.RecipientIDs()
	}
	return model.OutboundMessage{
		ID:          env.ID,
		Kind:        env.Kind,
		Sender:      env.Sender,
		Recipients:  rcpts,
		Direction:   model.Incoming,
		CreatedAtMs: env.TimestampMs,
		Payload:     p,
	}
}
