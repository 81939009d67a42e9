package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tacmesh/internal/model"
	"tacmesh/internal/service/ledger"
	"tacmesh/internal/service/security"
	"tacmesh/internal/service/transport"
	"tacmesh/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Send wraps payload and enqueues it on every adapter. Directed payloads are
// tracked per recipient by the ledger before anything leaves the device;
// everything else is broadcast untracked. Send never waits for the network.
func (c *Coordinator) Send(ctx context.Context, p model.Payload) (string, error) {
	kind := p.Kind()
	if !kind.IsDirected() {
		return c.Broadcast(ctx, p)
	}

	d, ok := p.(model.Directed)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotDirected, kind)
	}
	recipients := c.recipients(d.RecipientIDs())
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	plain, err := model.EncodePayload(p)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.led.Track(ctx, id, recipients)
	c.remember(id, outgoing{kind: kind, payload: plain, recipients: recipients})

	accepted, err := c.sendTo(id, kind, plain, recipients)
	if err != nil {
		return id, err
	}
	if len(accepted) > 0 {
		c.led.RecordSent(ctx, id, accepted, c.now().UnixMilli())
	}
	c.emitSummary(id)
	if len(accepted) == 0 {
		return id, ErrNotSent
	}
	return id, nil
}

// Broadcast sends p to every reachable device without delivery tracking.
func (c *Coordinator) Broadcast(ctx context.Context, p model.Payload) (string, error) {
	if p.Kind().IsDirected() {
		return c.Send(ctx, p)
	}
	plain, err := model.EncodePayload(p)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	env, err := c.sec.Wrap(id, p.Kind(), plain, nil)
	if err != nil {
		return "", err
	}
	raw, err := security.Marshal(env)
	if err != nil {
		return "", err
	}
	if !c.enqueue(transport.Broadcast(), raw) {
		return id, ErrNotSent
	}
	return id, nil
}

// Resend re-wraps message id with a fresh sequence for every recipient that
// has not confirmed delivery. Each resend counts against the attempt budget;
// exhausted recipients become Failed. It returns how many recipients were
// re-sent.
func (c *Coordinator) Resend(ctx context.Context, id string) (int, error) {
	recs := c.led.Records(id)
	if len(recs) == 0 {
		return 0, fmt.Errorf("resend %s: %w", id, ledger.ErrUnknownRecord)
	}

	c.outMu.Lock()
	out, ok := c.outbox[id]
	c.outMu.Unlock()

	nowMs := c.now().UnixMilli()
	var retry []string
	for _, r := range recs {
		if r.State != model.StatePending && r.State != model.StateSent {
			continue
		}
		if !ok {
			// content did not survive a restart
			if _, err := c.led.MarkFailed(ctx, id, r.RecipientID); err != nil {
				log.Warn("mark failed", zap.String("message", id), zap.Error(err))
			}
			continue
		}
		after, err := c.led.RecordAttempt(ctx, id, r.RecipientID, nowMs)
		if err != nil {
			continue
		}
		if after.State == model.StateFailed {
			log.Info("recipient gave up", zap.String("message", id), zap.String("recipient", r.RecipientID))
			continue
		}
		retry = append(retry, r.RecipientID)
	}

	if len(retry) > 0 {
		accepted, err := c.sendTo(id, out.kind, out.payload, retry)
		if err != nil {
			return 0, err
		}
		if len(accepted) > 0 {
			c.led.RecordSent(ctx, id, accepted, nowMs)
		}
		retry = accepted
	}
	c.emitSummary(id)
	c.forgetIfSettled(id)
	return len(retry), nil
}

// ResendOverdue resends every message with a recipient silent for longer than
// olderThan.
func (c *Coordinator) ResendOverdue(ctx context.Context, olderThan time.Duration) int {
	ids := make(map[string]struct{})
	for _, r := range c.led.Unacknowledged(olderThan, c.now()) {
		ids[r.MessageID] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	total := 0
	for _, id := range sorted {
		n, err := c.Resend(ctx, id)
		if err != nil {
			log.Warn("resend failed", zap.String("message", id), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

// MarkRead tells the sender of msg that it has been read.
func (c *Coordinator) MarkRead(ctx context.Context, msg model.OutboundMessage) error {
	if msg.Direction != model.Incoming {
		return fmt.Errorf("mark read %s: not an incoming message", msg.ID)
	}
	return c.sendAck(msg.Kind, msg.ID, msg.Sender, model.AckRead)
}

func (c *Coordinator) sendAck(subject model.Kind, subjectID, to string, typ model.AckType) error {
	ack, err := model.NewAck(subject, subjectID, c.LocalID(), to, typ, c.now().UnixMilli())
	if err != nil {
		return err
	}
	plain, err := model.EncodePayload(ack)
	if err != nil {
		return err
	}
	_, err = c.sendTo(uuid.NewString(), ack.Kind(), plain, []string{to})
	return err
}

// sendTo wraps once per recipient so per-peer encryption can apply, and
// returns the recipients at least one adapter accepted.
func (c *Coordinator) sendTo(id string, kind model.Kind, plain []byte, recipients []string) ([]string, error) {
	var accepted []string
	for _, rcpt := range recipients {
		env, err := c.sec.Wrap(id, kind, plain, []string{rcpt})
		if err != nil {
			return accepted, err
		}
		raw, err := security.Marshal(env)
		if err != nil {
			return accepted, err
		}
		if c.enqueue(transport.To(rcpt), raw) {
			accepted = append(accepted, rcpt)
		}
	}
	return accepted, nil
}

func (c *Coordinator) enqueue(target transport.Target, raw []byte) bool {
	ok := false
	for _, a := range c.adapters {
		if err := a.Send(target, raw); err != nil {
			log.Debug("adapter refused frame",
				zap.String("transport", a.Name()), zap.String("target", target.DeviceID), zap.Error(err))
			continue
		}
		ok = true
	}
	if ok {
		c.sent.Add(1)
	}
	return ok
}

func (c *Coordinator) recipients(ids []string) []string {
	local := c.LocalID()
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == local || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) remember(id string, o outgoing) {
	c.outMu.Lock()
	c.outbox[id] = o
	c.outMu.Unlock()
}

// forgetIfSettled drops resend content once no recipient can need it.
func (c *Coordinator) forgetIfSettled(id string) {
	s, ok := c.led.Summarize(id)
	if ok && s.Pending+s.Sent > 0 {
		return
	}
	c.outMu.Lock()
	delete(c.outbox, id)
	c.outMu.Unlock()
}

func (c *Coordinator) emitSummary(id string) {
	if s, ok := c.led.Summarize(id); ok {
		c.Emit(model.DeliveryChanged{MessageID: id, Summary: s})
	}
}

func (c *Coordinator) resendLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AckTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.ResendOverdue(c.ctx, c.cfg.AckTimeout); n > 0 {
				log.Info("resent overdue messages", zap.Int("recipients", n))
			}
		}
	}
}
