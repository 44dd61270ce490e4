// Package natsstore implements the repository contract on a NATS
// JetStream stream: one subject per entity id, events packed into
// message headers plus payload, and optimistic concurrency via the
// stream's expected-last-sequence-per-subject check.
//
// JetStream has no multi-subject transaction, so a multi-entity commit
// is applied entity by entity; use the memory or Postgres repository
// when cross-entity atomicity is required. Predicate queries (Find and
// friends) are not supported.
package natsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sourced-io/sourced"
)

const (
	eventNameHdr       = "Sourced-Event-Name"
	eventVersionHdr    = "Sourced-Event-Version"
	eventSequenceHdr   = "Sourced-Sequence"
	eventTimeHdr       = "Sourced-Time"
	eventMetaPrefixHdr = "Sourced-Meta-"
)

var ErrStreamRequired = errors.New("sourced: stream name required")

// Store is a JetStream-backed repository. Construct with New, then
// Create the underlying stream once per deployment.
type Store struct {
	stream string
	nc     *nats.Conn
	js     nats.JetStreamContext

	// expected maps a loaded entity to the stream sequence of its last
	// message, the value the commit CAS runs against.
	mu       sync.Mutex
	expected map[*sourced.Entity]uint64

	timeout time.Duration
}

type Option func(s *Store)

// Timeout bounds each backend call, default 5s.
func Timeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

func New(nc *nats.Conn, stream string, opts ...Option) (*Store, error) {
	if stream == "" {
		return nil, ErrStreamRequired
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	s := &Store{
		stream:   stream,
		nc:       nc,
		js:       js,
		expected: make(map[*sourced.Entity]uint64),
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create provisions the stream. Deletes and purges are denied: the log
// is append-only.
func (s *Store) Create(storage nats.StorageType, replicas int) error {
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:       s.stream,
		Subjects:   []string{s.stream + ".>"},
		Storage:    storage,
		Replicas:   replicas,
		DenyDelete: true,
		DenyPurge:  true,
	})
	return err
}

// Delete removes the stream and its events. Test helper.
func (s *Store) Delete() error {
	return s.js.DeleteStream(s.stream)
}

func (s *Store) subject(id string) string {
	return s.stream + "." + id
}

func packRecord(subject string, rec *sourced.EventRecord) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = rec.Payload
	msg.Header.Set(eventNameHdr, rec.Name)
	msg.Header.Set(eventVersionHdr, strconv.FormatUint(uint64(rec.Version), 10))
	msg.Header.Set(eventSequenceHdr, strconv.FormatUint(rec.Sequence, 10))
	msg.Header.Set(eventTimeHdr, strconv.FormatInt(rec.Timestamp, 10))
	for k, v := range rec.Metadata {
		msg.Header.Set(eventMetaPrefixHdr+k, v)
	}
	return msg
}

func unpackRecord(msg *nats.Msg) (*sourced.EventRecord, error) {
	seq, err := strconv.ParseUint(msg.Header.Get(eventSequenceHdr), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sourced: unpack sequence: %w", err)
	}
	version, err := strconv.ParseUint(msg.Header.Get(eventVersionHdr), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("sourced: unpack event version: %w", err)
	}
	ts, err := strconv.ParseInt(msg.Header.Get(eventTimeHdr), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sourced: unpack timestamp: %w", err)
	}

	rec := &sourced.EventRecord{
		Name:      msg.Header.Get(eventNameHdr),
		Version:   uint32(version),
		Payload:   msg.Data,
		Sequence:  seq,
		Timestamp: ts,
	}
	for h := range msg.Header {
		if strings.HasPrefix(h, eventMetaPrefixHdr) {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[h[len(eventMetaPrefixHdr):]] = msg.Header.Get(h)
		}
	}
	return rec, nil
}

type natsAPIError struct {
	Code        int    `json:"code"`
	ErrCode     uint16 `json:"err_code"`
	Description string `json:"description"`
}

type natsGetMsgRequest struct {
	LastBySubject string `json:"last_by_subj"`
}

type natsGetMsgResponse struct {
	Type    string         `json:"type"`
	Error   *natsAPIError  `json:"error"`
	Message *natsStoredMsg `json:"message"`
}

type natsStoredMsg struct {
	Sequence uint64 `json:"seq"`
}

// lastMsgForSubject queries the JS API for the stream sequence of the
// subject's newest message; zero means the subject is empty.
func (s *Store) lastMsgForSubject(ctx context.Context, subject string) (*natsStoredMsg, error) {
	rsubject := fmt.Sprintf("$JS.API.STREAM.MSG.GET.%s", s.stream)

	data, _ := json.Marshal(&natsGetMsgRequest{
		LastBySubject: subject,
	})

	msg, err := s.nc.RequestWithContext(ctx, rsubject, data)
	if err != nil {
		return nil, err
	}

	var rep natsGetMsgResponse
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return nil, err
	}

	if rep.Error != nil {
		if rep.Error.Code == 404 {
			return &natsStoredMsg{}, nil
		}
		return nil, fmt.Errorf("%s (%d)", rep.Error.Description, rep.Error.Code)
	}

	return rep.Message, nil
}

func (s *Store) Get(id string, opts ...sourced.GetOption) (*sourced.Entity, error) {
	o, err := sourced.ConfigureGet(opts...)
	if err != nil {
		return nil, err
	}
	after := o.AfterSequence

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	subject := s.subject(id)
	lastMsg, err := s.lastMsgForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if lastMsg.Sequence == 0 {
		return nil, nil
	}

	// Ephemeral ordered consumer: read as fast as possible with the
	// least overhead.
	sub, err := s.js.SubscribeSync(subject, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var records []*sourced.EventRecord
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, err
		}
		md, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("sourced: load metadata: %w", err)
		}

		rec, err := unpackRecord(msg)
		if err != nil {
			return nil, err
		}
		if rec.Sequence > after {
			records = append(records, rec)
		}

		if md.Sequence.Stream == lastMsg.Sequence {
			break
		}
	}

	e := sourced.NewEntityWithID(id)
	if after > 0 {
		e.SetSnapshotVersion(after)
	}
	e.LoadHistory(records)

	s.mu.Lock()
	s.expected[e] = lastMsg.Sequence
	s.mu.Unlock()

	return e, nil
}

func (s *Store) GetAll(ids ...string) ([]*sourced.Entity, error) {
	entities := make([]*sourced.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entities = append(entities, e)
		}
	}
	return entities, nil
}

func (s *Store) Find(pred func(*sourced.Entity) bool) ([]*sourced.Entity, error) {
	return nil, sourced.ErrNotSupported
}

func (s *Store) FindOne(pred func(*sourced.Entity) bool) (*sourced.Entity, error) {
	return nil, sourced.ErrNotSupported
}

func (s *Store) Exists(pred func(*sourced.Entity) bool) (bool, error) {
	return false, sourced.ErrNotSupported
}

func (s *Store) Count(pred func(*sourced.Entity) bool) (int, error) {
	return 0, sourced.ErrNotSupported
}

// Commit appends each entity's pending records with a compare-and-swap
// on the subject's last stream sequence. The first publish of an entity
// carries the expected sequence captured at load (zero for new ids); a
// mismatch surfaces as a VersionConflictError before anything for that
// entity is written.
func (s *Store) Commit(entities ...*sourced.Entity) error {
	for _, e := range entities {
		if e.ID() == "" {
			return sourced.ErrIDRequired
		}
		if err := s.commitOne(e); err != nil {
			return err
		}
		e.MarkCommitted()
		e.EmitQueued()
	}
	return nil
}

func (s *Store) commitOne(e *sourced.Entity) error {
	s.mu.Lock()
	expSeq := s.expected[e]
	s.mu.Unlock()

	pending := e.Pending()
	if len(pending) == 0 {
		return nil
	}

	subject := s.subject(e.ID())
	for _, rec := range pending {
		popts := []nats.PubOpt{
			nats.ExpectStream(s.stream),
			nats.ExpectLastSequencePerSubject(expSeq),
		}

		ack, err := s.js.PublishMsg(packRecord(subject, rec), popts...)
		if err != nil {
			if strings.Contains(err.Error(), "wrong last sequence") {
				return &sourced.VersionConflictError{ID: e.ID(), Expected: e.Version()}
			}
			return err
		}
		expSeq = ack.Sequence
	}

	s.mu.Lock()
	s.expected[e] = expSeq
	s.mu.Unlock()
	return nil
}

var _ sourced.Repository = (*Store)(nil)
