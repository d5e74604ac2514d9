package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// JetStreamStore implements Store on NATS JetStream. Each partition is a stream with a
// single subject; consumer groups are durable pull consumers with explicit acks.
//
// JetStream redelivers unacknowledged messages itself once AckWait expires, so ClaimStale
// only forgets expired in-flight handles. Pending counts are tracked per group: the
// consumer argument of PendingCount is ignored.
type JetStreamStore struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	ackWait time.Duration
	limits  Retention
	now     func() time.Time

	ensured sync.Map // stream name -> struct{}

	mu       sync.Mutex
	inflight map[string]inflightMsg
}

type inflightMsg struct {
	msg        jetstream.Msg
	deliveries int64
	receivedAt time.Time
}

// JetStreamOption configures a JetStreamStore.
type JetStreamOption func(*JetStreamStore)

// WithSubjectPrefix sets the subject and stream name prefix.
func WithSubjectPrefix(prefix string) JetStreamOption {
	return func(s *JetStreamStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithAckWait sets how long JetStream waits for an ack before redelivering.
func WithAckWait(d time.Duration) JetStreamOption {
	return func(s *JetStreamStore) {
		if d > 0 {
			s.ackWait = d
		}
	}
}

// WithStreamLimits sets the retention limits of created streams.
func WithStreamLimits(r Retention) JetStreamOption {
	return func(s *JetStreamStore) {
		s.limits = r
	}
}

// NewJetStreamStore creates a JetStream backed store over an established connection.
func NewJetStreamStore(nc *nats.Conn, opts ...JetStreamOption) (*JetStreamStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	s := &JetStreamStore{
		nc:       nc,
		js:       js,
		prefix:   "bedwatch",
		ackWait:  30 * time.Second,
		now:      time.Now,
		inflight: make(map[string]inflightMsg),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *JetStreamStore) streamName(p event.Partition) string {
	r := strings.NewReplacer("-", "_", ".", "_", ":", "_")
	return strings.ToUpper(r.Replace(s.prefix + "_" + string(p)))
}

func (s *JetStreamStore) subject(p event.Partition) string {
	return s.prefix + "." + string(p)
}

func (s *JetStreamStore) ensureStream(ctx context.Context, p event.Partition) (string, error) {
	if p == "" {
		return "", ErrInvalidPartition
	}
	name := s.streamName(p)
	if _, ok := s.ensured.Load(name); ok {
		return name, nil
	}

	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{s.subject(p)},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
		MaxAge:    s.limits.MaxAge,
		MaxMsgs:   -1,
	}
	if s.limits.MaxLen > 0 {
		cfg.MaxMsgs = s.limits.MaxLen
	}
	if _, err := s.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return "", errors.Join(ErrBackendUnavailable, fmt.Errorf("ensure stream %s: %w", name, err))
	}
	s.ensured.Store(name, struct{}{})
	return name, nil
}

func (s *JetStreamStore) inflightKey(p event.Partition, group, id string) string {
	return string(p) + "|" + group + "|" + id
}

func (s *JetStreamStore) publish(ctx context.Context, p event.Partition, data []byte, fields map[string]string) (string, error) {
	if _, err := s.ensureStream(ctx, p); err != nil {
		return "", err
	}
	msg := &nats.Msg{Subject: s.subject(p), Data: data}
	if len(fields) > 0 {
		msg.Header = nats.Header{}
		for k, v := range fields {
			msg.Header.Set(k, v)
		}
	}
	ack, err := s.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", errors.Join(ErrPublishFailed, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Publish implements Store.
func (s *JetStreamStore) Publish(ctx context.Context, partition event.Partition, data []byte) (string, error) {
	return s.publish(ctx, partition, data, nil)
}

// CreateGroup implements Store. An existing durable consumer is left untouched.
func (s *JetStreamStore) CreateGroup(ctx context.Context, partition event.Partition, group string, start StartPosition) error {
	name, err := s.ensureStream(ctx, partition)
	if err != nil {
		return err
	}
	if _, err := s.js.Consumer(ctx, name, group); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return errors.Join(ErrBackendUnavailable, err)
	}

	policy := jetstream.DeliverNewPolicy
	if start == StartBeginning {
		policy = jetstream.DeliverAllPolicy
	}
	_, err = s.js.CreateConsumer(ctx, name, jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: policy,
		AckWait:       s.ackWait,
		MaxDeliver:    -1,
	})
	if err != nil && !errors.Is(err, jetstream.ErrConsumerExists) {
		return errors.Join(ErrBackendUnavailable, err)
	}
	return nil
}

func (s *JetStreamStore) consumer(ctx context.Context, partition event.Partition, group string) (jetstream.Consumer, error) {
	cons, err := s.js.Consumer(ctx, s.streamName(partition), group)
	if errors.Is(err, jetstream.ErrConsumerNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, errors.Join(ErrGroupNotFound, err)
	}
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	return cons, nil
}

// ReadBatch implements Store.
func (s *JetStreamStore) ReadBatch(ctx context.Context, partition event.Partition, group, _ string, count int, block time.Duration) ([]Entry, error) {
	cons, err := s.consumer(ctx, partition, group)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	if block < 100*time.Millisecond {
		block = 100 * time.Millisecond
	}

	batch, err := cons.Fetch(count, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	now := s.now()
	out := make([]Entry, 0, count)
	for msg := range batch.Messages() {
		md, err := msg.Metadata()
		if err != nil {
			continue
		}
		id := strconv.FormatUint(md.Sequence.Stream, 10)
		deliveries := int64(md.NumDelivered)

		s.mu.Lock()
		s.inflight[s.inflightKey(partition, group, id)] = inflightMsg{msg: msg, deliveries: deliveries, receivedAt: now}
		s.mu.Unlock()

		out = append(out, Entry{
			ID:            id,
			Partition:     partition,
			Data:          msg.Data(),
			DeliveryCount: deliveries,
			Fields:        headerFields(msg.Headers()),
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return out, errors.Join(ErrBackendUnavailable, err)
	}
	return out, nil
}

// ClaimStale implements Store. JetStream redelivers expired messages through ReadBatch,
// so this only drops in-flight handles older than AckWait.
func (s *JetStreamStore) ClaimStale(_ context.Context, partition event.Partition, group, _ string, _ time.Duration, _ int) ([]Entry, error) {
	cutoff := s.now().Add(-s.ackWait)
	prefix := string(partition) + "|" + group + "|"

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.inflight {
		if strings.HasPrefix(key, prefix) && m.receivedAt.Before(cutoff) {
			delete(s.inflight, key)
		}
	}
	return []Entry{}, nil
}

// Ack implements Store. Unknown IDs are ignored, as XACK does.
func (s *JetStreamStore) Ack(ctx context.Context, partition event.Partition, group string, ids ...string) error {
	var errs []error
	for _, id := range ids {
		key := s.inflightKey(partition, group, id)
		s.mu.Lock()
		m, ok := s.inflight[key]
		delete(s.inflight, key)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := m.msg.DoubleAck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrBackendUnavailable}, errs...)...)
	}
	return nil
}

// PendingCount implements Store.
func (s *JetStreamStore) PendingCount(ctx context.Context, partition event.Partition, group, _ string) (int64, error) {
	cons, err := s.consumer(ctx, partition, group)
	if err != nil {
		return 0, err
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, errors.Join(ErrBackendUnavailable, err)
	}
	return int64(info.NumAckPending), nil
}

// DeliveryCount implements Store.
func (s *JetStreamStore) DeliveryCount(_ context.Context, partition event.Partition, group, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.inflight[s.inflightKey(partition, group, id)]; ok {
		return m.deliveries, nil
	}
	return 0, nil
}

// DeadLetter implements Store.
func (s *JetStreamStore) DeadLetter(ctx context.Context, partition event.Partition, entry Entry, reason string) (string, error) {
	return s.publish(ctx, event.PartitionDeadLetter, entry.Data, deadLetterFields(partition, entry, reason, s.now()))
}

// Range implements Store.
func (s *JetStreamStore) Range(ctx context.Context, partition event.Partition, count int64) ([]Entry, error) {
	st, err := s.js.Stream(ctx, s.streamName(partition))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	out := make([]Entry, 0)
	if info.State.Msgs == 0 {
		return out, nil
	}
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		raw, err := st.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return out, errors.Join(ErrBackendUnavailable, err)
		}
		out = append(out, Entry{
			ID:        strconv.FormatUint(raw.Sequence, 10),
			Partition: partition,
			Data:      raw.Data,
			Fields:    headerFields(raw.Header),
		})
	}
	return out, nil
}

// Delete implements Store.
func (s *JetStreamStore) Delete(ctx context.Context, partition event.Partition, ids ...string) (int64, error) {
	st, err := s.js.Stream(ctx, s.streamName(partition))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Join(ErrBackendUnavailable, err)
	}

	var deleted int64
	for _, id := range ids {
		seq, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return deleted, fmt.Errorf("%w: %q", ErrInvalidEntryID, id)
		}
		if err := st.DeleteMsg(ctx, seq); err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return deleted, errors.Join(ErrBackendUnavailable, err)
		}
		deleted++
	}
	return deleted, nil
}

// Trim implements Store. Age retention is enforced by the stream MaxAge limit.
func (s *JetStreamStore) Trim(ctx context.Context, partition event.Partition, retention Retention) (int64, error) {
	if retention.MaxLen <= 0 {
		return 0, nil
	}
	st, err := s.js.Stream(ctx, s.streamName(partition))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Join(ErrBackendUnavailable, err)
	}
	before, err := st.Info(ctx)
	if err != nil {
		return 0, errors.Join(ErrBackendUnavailable, err)
	}
	if int64(before.State.Msgs) <= retention.MaxLen {
		return 0, nil
	}
	if err := st.Purge(ctx, jetstream.WithPurgeKeep(uint64(retention.MaxLen))); err != nil {
		return 0, errors.Join(ErrBackendUnavailable, err)
	}
	return int64(before.State.Msgs) - retention.MaxLen, nil
}

// Ping implements Store.
func (s *JetStreamStore) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("%w: nats status %s", ErrBackendUnavailable, s.nc.Status())
	}
	if _, err := s.js.AccountInfo(ctx); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}
	return nil
}

func headerFields(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
