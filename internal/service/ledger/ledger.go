package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tacmesh/internal/metrics"
	"tacmesh/internal/model"
	"tacmesh/internal/utils/log"

	"go.uber.org/zap"
)

const DefaultMaxAttempts = 3

var (
	ErrUnknownRecord = errors.New("no delivery record for message and recipient")
)

type (
	Repository interface {
		Load(ctx context.Context) ([]model.DeliveryRecord, error)
		Upsert(ctx context.Context, r model.DeliveryRecord) error
	}

	key struct {
		messageID   string
		recipientID string
	}

	// Ledger tracks one record per (message, recipient) for outbound multicast
	// messages. It never infers delivery from transport success; only acks advance
	// a record past Sent.
	Ledger struct {
		mu          sync.RWMutex
		records     map[key]*model.DeliveryRecord
		byMessage   map[string][]string
		repo        Repository
		maxAttempts int
	}
)

func New(repo Repository, maxAttempts int) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Ledger{
		records:     make(map[key]*model.DeliveryRecord),
		byMessage:   make(map[string][]string),
		repo:        repo,
		maxAttempts: maxAttempts,
	}
}

func (l *Ledger) Load(ctx context.Context) error {
	recs, err := l.repo.Load(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range recs {
		r := r
		l.insertLocked(&r)
	}
	return nil
}

func (l *Ledger) insertLocked(r *model.DeliveryRecord) {
	k := key{r.MessageID, r.RecipientID}
	if _, ok := l.records[k]; !ok {
		l.byMessage[r.MessageID] = append(l.byMessage[r.MessageID], r.RecipientID)
	}
	l.records[k] = r
}

// Track creates Pending records for recipients that have none yet.
func (l *Ledger) Track(ctx context.Context, messageID string, recipients []string) []model.DeliveryRecord {
	var created []model.DeliveryRecord
	l.mu.Lock()
	for _, rcpt := range recipients {
		if _, ok := l.records[key{messageID, rcpt}]; ok {
			continue
		}
		r := &model.DeliveryRecord{MessageID: messageID, RecipientID: rcpt, State: model.StatePending}
		l.insertLocked(r)
		created = append(created, *r)
	}
	l.mu.Unlock()

	for _, r := range created {
		l.persist(ctx, r)
	}
	return created
}

// RecordSent moves Pending records to Sent and stamps the send times. Records
// already past Sent keep their state.
func (l *Ledger) RecordSent(ctx context.Context, messageID string, recipients []string, atMs int64) {
	var changed []model.DeliveryRecord
	l.mu.Lock()
	for _, rcpt := range recipients {
		r, ok := l.records[key{messageID, rcpt}]
		if !ok {
			r = &model.DeliveryRecord{MessageID: messageID, RecipientID: rcpt}
			l.insertLocked(r)
		}
		if r.SentAtMs == 0 {
			r.SentAtMs = atMs
		}
		r.LastSentAtMs = atMs
		if r.Attempts == 0 {
			r.Attempts = 1
		}
		if r.State == model.StatePending {
			r.State = model.StateSent
			metrics.DeliveryTransitions.WithLabelValues(r.State.String()).Inc()
		}
		changed = append(changed, *r)
	}
	l.mu.Unlock()

	for _, r := range changed {
		l.persist(ctx, r)
	}
}

// RecordAck applies a delivered or read acknowledgement from a recipient. A read
// ack also satisfies delivery. It reports whether the record changed.
func (l *Ledger) RecordAck(ctx context.Context, messageID, from string, typ model.AckType, atMs int64) (model.DeliveryRecord, bool, error) {
	l.mu.Lock()
	r, ok := l.records[key{messageID, from}]
	if !ok {
		l.mu.Unlock()
		return model.DeliveryRecord{}, false, ErrUnknownRecord
	}

	before := *r
	switch typ {
	case model.AckDelivered:
		if r.DeliveredAtMs == 0 {
			r.DeliveredAtMs = atMs
		}
		if r.State < model.StateDelivered || r.State == model.StateFailed {
			r.State = model.StateDelivered
		}
	case model.AckRead:
		if r.DeliveredAtMs == 0 {
			r.DeliveredAtMs = atMs
		}
		if r.ReadAtMs == 0 {
			r.ReadAtMs = atMs
		}
		r.State = model.StateRead
	}
	// delivery evidence outranks a timeout verdict
	r.Failed = false
	after := *r
	l.mu.Unlock()

	if before == after {
		return after, false, nil
	}
	if before.State != after.State {
		metrics.DeliveryTransitions.WithLabelValues(after.State.String()).Inc()
	}
	l.persist(ctx, after)
	return after, true, nil
}

// RecordAttempt counts a resend towards recipient. Once the attempt budget is
// spent without delivery evidence the record becomes Failed and the caller
// should not send again.
func (l *Ledger) RecordAttempt(ctx context.Context, messageID, recipient string, atMs int64) (model.DeliveryRecord, error) {
	l.mu.Lock()
	r, ok := l.records[key{messageID, recipient}]
	if !ok {
		l.mu.Unlock()
		return model.DeliveryRecord{}, ErrUnknownRecord
	}
	if r.State == model.StatePending || r.State == model.StateSent {
		r.Attempts++
		if r.Attempts > l.maxAttempts {
			l.failLocked(r)
		} else {
			r.LastSentAtMs = atMs
		}
	}
	out := *r
	l.mu.Unlock()

	l.persist(ctx, out)
	return out, nil
}

// MarkFailed records a transport-reported unreachable recipient.
func (l *Ledger) MarkFailed(ctx context.Context, messageID, recipient string) (model.DeliveryRecord, error) {
	l.mu.Lock()
	r, ok := l.records[key{messageID, recipient}]
	if !ok {
		l.mu.Unlock()
		return model.DeliveryRecord{}, ErrUnknownRecord
	}
	if r.State == model.StatePending || r.State == model.StateSent {
		l.failLocked(r)
	}
	out := *r
	l.mu.Unlock()

	l.persist(ctx, out)
	return out, nil
}

func (l *Ledger) failLocked(r *model.DeliveryRecord) {
	r.State = model.StateFailed
	r.Failed = true
	metrics.DeliveryTransitions.WithLabelValues(r.State.String()).Inc()
}

func (l *Ledger) Records(messageID string) []model.DeliveryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rcpts := l.byMessage[messageID]
	out := make([]model.DeliveryRecord, 0, len(rcpts))
	for _, rcpt := range rcpts {
		out = append(out, *l.records[key{messageID, rcpt}])
	}
	return out
}

func (l *Ledger) Get(messageID, recipient string) (model.DeliveryRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[key{messageID, recipient}]
	if !ok {
		return model.DeliveryRecord{}, false
	}
	return *r, true
}

// Summarize aggregates the records of one message.
func (l *Ledger) Summarize(messageID string) (model.DeliverySummary, bool) {
	recs := l.Records(messageID)
	if len(recs) == 0 {
		return model.DeliverySummary{MessageID: messageID}, false
	}
	return Summarize(messageID, recs), true
}

func Summarize(messageID string, recs []model.DeliveryRecord) model.DeliverySummary {
	s := model.DeliverySummary{MessageID: messageID, Recipients: len(recs)}
	live, delivered, read := 0, 0, 0
	for _, r := range recs {
		switch r.State {
		case model.StatePending:
			s.Pending++
		case model.StateSent:
			s.Sent++
		case model.StateDelivered:
			s.Delivered++
		case model.StateRead:
			s.Read++
		case model.StateFailed:
			s.Failed++
			continue
		}
		live++
		if r.DeliveredAtMs != 0 || r.State >= model.StateDelivered {
			delivered++
		}
		if r.ReadAtMs != 0 || r.State == model.StateRead {
			read++
		}
	}
	s.IsFullyDelivered = live > 0 && delivered == live
	s.IsFullyRead = live > 0 && read == live
	return s
}

// Unacknowledged lists Pending or Sent records whose last send is older than
// olderThan, plus Pending records that were never handed to a transport.
// Calling code decides whether to resend or give up.
func (l *Ledger) Unacknowledged(olderThan time.Duration, now time.Time) []model.DeliveryRecord {
	cutoff := now.Add(-olderThan).UnixMilli()
	l.mu.RLock()
	var out []model.DeliveryRecord
	for _, r := range l.records {
		if r.State != model.StatePending && r.State != model.StateSent {
			continue
		}
		if r.LastSentAtMs != 0 && r.LastSentAtMs > cutoff {
			continue
		}
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	return out
}

func (l *Ledger) persist(ctx context.Context, r model.DeliveryRecord) {
	if err := l.repo.Upsert(ctx, r); err != nil {
		log.Error("persist delivery record failed",
			zap.String("message", r.MessageID), zap.String("recipient", r.RecipientID), zap.Error(err))
	}
}
