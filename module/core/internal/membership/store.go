// Package membership tracks whether each entity is inside each geofence.
//
// The in-memory map is authoritative while the process runs. Every change is
// queued for a single background writer that persists it with a timeout, so
// a slow or failing database never stalls detection.
package membership

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
)

type Repository interface {
	Upsert(ctx context.Context, rec domain.MembershipRecord) error
	ListAll(ctx context.Context) ([]domain.MembershipRecord, error)
	DeleteEntity(ctx context.Context, entityID string) error
	DeleteGeofence(ctx context.Context, geofenceID int64) error
}

type Config struct {
	WriteTimeout time.Duration
	QueueSize    int
}

type entityState struct {
	lastPing    time.Time
	memberships map[int64]domain.MembershipState
}

type writeOp int

const (
	opUpsert writeOp = iota
	opDeleteEntity
	opDeleteGeofence
)

// write is one queued storage operation. Deletes travel through the same
// queue as upserts so they land after every change made before them.
type write struct {
	op     writeOp
	rec    domain.MembershipRecord
	result chan error
}

// tombstoneRetry is how often a delete retries a full write queue.
const tombstoneRetry = 10 * time.Millisecond

type Store struct {
	repo    Repository
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	locker  *Locker

	mu       sync.RWMutex
	entities map[string]*entityState

	writes chan write
	done   chan struct{}
}

func NewStore(repo Repository, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Store {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:     repo,
		cfg:      cfg,
		logger:   logger.With("component", "membership_store"),
		metrics:  m,
		locker:   NewLocker(),
		entities: map[string]*entityState{},
		writes:   make(chan write, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Lock serializes every read-modify-write on one entity's memberships,
// including removals. It returns the unlock func.
func (s *Store) Lock(entityID string) func() {
	return s.locker.Lock(entityID)
}

// Get returns the state for the pair. Absent pairs report outside.
func (s *Store) Get(entityID string, geofenceID int64) (domain.MembershipState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.entities[entityID]
	if !ok {
		return domain.MembershipState{}, false
	}
	st, ok := es.memberships[geofenceID]
	return st, ok
}

// Set records the state in memory and queues it for durable storage. The
// queue order matches the order of changes in memory.
func (s *Store) Set(entityID string, geofenceID int64, state domain.MembershipState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entity(entityID).memberships[geofenceID] = state

	rec := domain.MembershipRecord{EntityID: entityID, GeofenceID: geofenceID, State: state}
	select {
	case s.writes <- write{op: opUpsert, rec: rec}:
	default:
		s.metrics.MembershipWrite("dropped")
		s.logger.Warn("membership write queue full, durable copy will lag",
			"entity_id", entityID, "geofence_id", geofenceID)
	}
}

// InsideOf lists the geofences the entity is currently inside, ascending.
func (s *Store) InsideOf(entityID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	var ids []int64
	for id, st := range es.memberships {
		if st.Inside {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// States returns a copy of every known membership of the entity.
func (s *Store) States(entityID string) []domain.MembershipRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	out := make([]domain.MembershipRecord, 0, len(es.memberships))
	for id, st := range es.memberships {
		out = append(out, domain.MembershipRecord{EntityID: entityID, GeofenceID: id, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeofenceID < out[j].GeofenceID })
	return out
}

// LastPing returns the timestamp of the last ping accepted for the entity.
func (s *Store) LastPing(entityID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.entities[entityID]
	if !ok || es.lastPing.IsZero() {
		return time.Time{}, false
	}
	return es.lastPing, true
}

func (s *Store) MarkPing(entityID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.entity(entityID)
	if ts.After(es.lastPing) {
		es.lastPing = ts
	}
}

// RemoveEntity forgets every membership of the entity. The durable delete
// is queued behind the entity's pending writes, and the call waits for it
// until ctx is done.
func (s *Store) RemoveEntity(ctx context.Context, entityID string) error {
	const op = "delete entity memberships"

	unlock := s.Lock(entityID)
	w := write{op: opDeleteEntity, rec: domain.MembershipRecord{EntityID: entityID}, result: make(chan error, 1)}
	err := s.enqueueTombstone(ctx, w, func() { delete(s.entities, entityID) })
	unlock()
	if err != nil {
		return domain.PersistenceError(op, err)
	}
	return s.await(ctx, op, w.result)
}

// RemoveGeofence forgets the geofence for every entity. It holds the lock
// of every known entity so no evaluation in flight can write the old state
// back.
func (s *Store) RemoveGeofence(ctx context.Context, geofenceID int64) error {
	const op = "delete geofence memberships"

	s.mu.RLock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, s.Lock(id))
	}
	w := write{op: opDeleteGeofence, rec: domain.MembershipRecord{GeofenceID: geofenceID}, result: make(chan error, 1)}
	err := s.enqueueTombstone(ctx, w, func() {
		for _, es := range s.entities {
			delete(es.memberships, geofenceID)
		}
	})
	for i := len(unlocks) - 1; i >= 0; i-- {
		unlocks[i]()
	}
	if err != nil {
		return domain.PersistenceError(op, err)
	}
	return s.await(ctx, op, w.result)
}

// enqueueTombstone applies the in-memory removal and queues the delete in
// one step under mu, so no Set can slip between them. Unlike Set it never
// drops: a full queue is retried until ctx is done.
func (s *Store) enqueueTombstone(ctx context.Context, w write, apply func()) error {
	for {
		s.mu.Lock()
		queued := false
		select {
		case s.writes <- w:
			apply()
			queued = true
		default:
		}
		s.mu.Unlock()
		if queued {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tombstoneRetry):
		}
	}
}

func (s *Store) await(ctx context.Context, op string, result <-chan error) error {
	select {
	case err := <-result:
		return domain.PersistenceError(op, err)
	case <-ctx.Done():
		// still queued; the writer applies it later
		return domain.PersistenceError(op, ctx.Err())
	}
}

// Recover loads the durable memberships. Pairs missing from storage stay
// absent and therefore outside until the next ping corrects them.
func (s *Store) Recover(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	recs, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, domain.PersistenceError("recover memberships", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		es := s.entity(r.EntityID)
		es.memberships[r.GeofenceID] = r.State
		if r.State.LastEvaluatedAt.After(es.lastPing) {
			es.lastPing = r.State.LastEvaluatedAt
		}
	}
	return len(recs), nil
}

// entity must be called with mu held for writing.
func (s *Store) entity(entityID string) *entityState {
	es, ok := s.entities[entityID]
	if !ok {
		es = &entityState{memberships: map[int64]domain.MembershipState{}}
		s.entities[entityID] = es
	}
	return es
}

// Run drains the write queue in order until ctx is done, then flushes what
// is already queued.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case w := <-s.writes:
			s.persist(ctx, w)
		case <-ctx.Done():
			s.flush()
			return ctx.Err()
		}
	}
}

// Done is closed once Run has returned.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

func (s *Store) flush() {
	for {
		select {
		case w := <-s.writes:
			s.persist(context.Background(), w)
		default:
			return
		}
	}
}

func (s *Store) persist(ctx context.Context, w write) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()

	var err error
	switch w.op {
	case opDeleteEntity:
		err = s.repo.DeleteEntity(ctx, w.rec.EntityID)
	case opDeleteGeofence:
		err = s.repo.DeleteGeofence(ctx, w.rec.GeofenceID)
	default:
		err = s.repo.Upsert(ctx, w.rec)
	}
	if w.result != nil {
		w.result <- err
	}

	if err != nil {
		s.metrics.MembershipWrite("failed")
		s.logger.Error("membership write failed",
			"entity_id", w.rec.EntityID, "geofence_id", w.rec.GeofenceID,
			"error", domain.PersistenceError("write membership", err))
		return
	}
	s.metrics.MembershipWrite("ok")
}
