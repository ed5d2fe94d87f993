// Package profiles is the only write path for participant data. Every
// change goes to the registry and then to the matching index before the
// caller gets an answer, serialized per participant so the two never diverge.
package profiles

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/commute-matching/internal/models"
	"github.com/example/commute-matching/internal/observability"
	"github.com/example/commute-matching/internal/storage"
)

const (
	aliasPrefix   = "commuter_"
	aliasAlphabet = "123456789abcdefghijklmnopqrstuvwxyz"
	aliasLength   = 6
	aliasAttempts = 5
	lockStripes   = 128
)

// Index is the part of the matching engine the write path drives.
type Index interface {
	Upsert(p models.Participant) error
	Remove(id string)
}

// Publisher announces committed changes to other instances.
type Publisher interface {
	Publish(ctx context.Context, ev models.ParticipantEvent) error
}

type Store interface {
	storage.Registry
	storage.Lister
}

type Service struct {
	store     Store
	index     Index
	publisher Publisher
	instance  string
	logger    *slog.Logger

	locks [lockStripes]sync.Mutex
}

// NewService wires the write path. publisher may be nil.
func NewService(store Store, index Index, publisher Publisher, instance string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if instance == "" {
		instance = uuid.NewString()
	}
	return &Service{store: store, index: index, publisher: publisher, instance: instance, logger: logger}
}

// Instance identifies this process in published events.
func (s *Service) Instance() string { return s.instance }

func (s *Service) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// Create registers a new participant with a fresh id. When no alias is
// given one is generated, and regenerated if it collides.
func (s *Service) Create(ctx context.Context, p models.Participant) (models.Participant, error) {
	p.ID = uuid.NewString()
	generated := strings.TrimSpace(p.Alias) == ""
	for attempt := 0; ; attempt++ {
		if generated {
			alias, err := newAlias()
			if err != nil {
				return models.Participant{}, err
			}
			p.Alias = alias
		}
		err := s.Save(ctx, p)
		if err == nil {
			return p, nil
		}
		if !generated || !errors.Is(err, models.ErrAliasTaken) || attempt == aliasAttempts-1 {
			return models.Participant{}, err
		}
	}
}

// Save stores p and projects it into the index, creating the participant
// if needed. Invalid input is rejected before anything is written.
func (s *Service) Save(ctx context.Context, p models.Participant) error {
	if err := p.Validate(); err != nil {
		observability.ProfileWrites.WithLabelValues("save", "invalid").Inc()
		return err
	}
	if strings.TrimSpace(p.Alias) == "" {
		return fmt.Errorf("%w: alias is required", models.ErrInvalidParticipant)
	}

	unlock := s.lock(p.ID)
	defer unlock()
	return s.write(ctx, "save", p)
}

// Update replaces route and schedule of an existing participant, keeping
// the stored alias when p carries none. The existence check and the write
// happen under one lock, so a concurrent Delete is never undone.
func (s *Service) Update(ctx context.Context, p models.Participant) (models.Participant, error) {
	if err := p.Validate(); err != nil {
		observability.ProfileWrites.WithLabelValues("update", "invalid").Inc()
		return models.Participant{}, err
	}

	unlock := s.lock(p.ID)
	defer unlock()

	current, err := s.store.Get(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		observability.ProfileWrites.WithLabelValues("update", "not_found").Inc()
		return models.Participant{}, fmt.Errorf("%w: %s", models.ErrParticipantNotFound, p.ID)
	}
	if err != nil {
		observability.ProfileWrites.WithLabelValues("update", "error").Inc()
		return models.Participant{}, s.registryErr(ctx, err)
	}
	if strings.TrimSpace(p.Alias) == "" {
		p.Alias = current.Alias
	}
	if err := s.write(ctx, "update", p); err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

// write persists p and mirrors it into the index. Callers hold the id lock.
func (s *Service) write(ctx context.Context, op string, p models.Participant) error {
	if err := s.store.Put(ctx, p); err != nil {
		if errors.Is(err, storage.ErrAliasTaken) {
			observability.ProfileWrites.WithLabelValues(op, "conflict").Inc()
			return fmt.Errorf("%w: %s", models.ErrAliasTaken, p.Alias)
		}
		observability.ProfileWrites.WithLabelValues(op, "error").Inc()
		return s.registryErr(ctx, err)
	}
	if err := s.index.Upsert(p); err != nil {
		// validated by the caller; only reachable if the two validations drift apart
		observability.ProfileWrites.WithLabelValues(op, "error").Inc()
		return err
	}
	observability.ProfileWrites.WithLabelValues(op, "ok").Inc()
	s.publish(ctx, models.ParticipantEvent{Type: models.EventUpserted, ParticipantID: p.ID, Participant: &p})
	return nil
}

// Delete removes the participant from the registry and the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	err := s.store.Delete(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.index.Remove(id)
		observability.ProfileWrites.WithLabelValues("delete", "not_found").Inc()
		return fmt.Errorf("%w: %s", models.ErrParticipantNotFound, id)
	}
	if err != nil {
		observability.ProfileWrites.WithLabelValues("delete", "error").Inc()
		return s.registryErr(ctx, err)
	}
	s.index.Remove(id)
	observability.ProfileWrites.WithLabelValues("delete", "ok").Inc()
	s.publish(ctx, models.ParticipantEvent{Type: models.EventRemoved, ParticipantID: id})
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Participant, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Participant{}, fmt.Errorf("%w: %s", models.ErrParticipantNotFound, id)
	}
	if err != nil {
		return models.Participant{}, s.registryErr(ctx, err)
	}
	return p, nil
}

// Warm rebuilds the index from the registry. The listing only supplies ids:
// each participant is re-read under its lock, so a newer change applied
// concurrently by ApplyEvent or Save is never replaced by a stale row.
// Records that no longer validate are logged and skipped.
func (s *Service) Warm(ctx context.Context) (int, error) {
	n := 0
	err := s.store.List(ctx, func(listed models.Participant) error {
		indexed, err := s.sync(ctx, listed.ID)
		if err != nil {
			if !isInvalid(err) {
				return err
			}
			s.logger.Warn("skipping invalid participant", "participant_id", listed.ID, "error", err)
			return nil
		}
		if indexed {
			n++
		}
		return nil
	})
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, models.ErrRegistryUnavailable), errors.Is(err, models.ErrCancelled):
		return n, err
	default:
		return n, s.registryErr(ctx, err)
	}
}

func isInvalid(err error) bool {
	return errors.Is(err, models.ErrInvalidPoint) ||
		errors.Is(err, models.ErrInvalidSchedule) ||
		errors.Is(err, models.ErrInvalidParticipant)
}

// ApplyEvent brings the local index in line with a change made by another
// instance. The registry, not the event body, decides the final state, so
// out-of-order deliveries converge.
func (s *Service) ApplyEvent(ctx context.Context, ev models.ParticipantEvent) error {
	if ev.Source == s.instance || ev.ParticipantID == "" {
		return nil
	}
	_, err := s.sync(ctx, ev.ParticipantID)
	return err
}

// sync makes the index entry for id match the registry, reporting whether
// the participant is now indexed.
func (s *Service) sync(ctx context.Context, id string) (bool, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.store.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.index.Remove(id)
		return false, nil
	case err != nil:
		return false, s.registryErr(ctx, err)
	}
	if err := s.index.Upsert(p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) publish(ctx context.Context, ev models.ParticipantEvent) {
	if s.publisher == nil {
		return
	}
	ev.Source = s.instance
	ev.At = time.Now().UTC()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		s.logger.Warn("publish participant event failed", "participant_id", ev.ParticipantID, "type", ev.Type, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}

func (s *Service) registryErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	}
	return fmt.Errorf("%w: %v", models.ErrRegistryUnavailable, err)
}

// newAlias is swapped in tests.
var newAlias = NewAlias

// NewAlias returns a random display name such as "commuter_k3x9qa".
func NewAlias() (string, error) {
	var b strings.Builder
	b.WriteString(aliasPrefix)
	limit := big.NewInt(int64(len(aliasAlphabet)))
	for i := 0; i < aliasLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(aliasAlphabet[n.Int64()])
	}
	return b.String(), nil
}
