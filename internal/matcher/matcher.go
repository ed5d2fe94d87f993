package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/commute-matching/internal/geo"
	"github.com/example/commute-matching/internal/models"
	"github.com/example/commute-matching/internal/observability"
	"github.com/example/commute-matching/internal/schedule"
	"github.com/example/commute-matching/internal/storage"
)

// Registry is the read side of the participant store the engine needs.
type Registry interface {
	Get(ctx context.Context, id string) (models.Participant, error)
}

// Config holds every tunable of the engine. It is copied at construction.
type Config struct {
	CellSizeMeters     float64
	DefaultHomeRadiusM float64
	DefaultDestRadiusM float64
	ToleranceMinutes   int
	MinScore           float64
	// RegistryTimeout bounds each registry read; zero means no extra bound.
	RegistryTimeout time.Duration
	// FetchConcurrency bounds parallel candidate reads.
	FetchConcurrency int
}

func DefaultConfig() Config {
	return Config{
		CellSizeMeters:     geo.DefaultCellSizeMeters,
		DefaultHomeRadiusM: 2000,
		DefaultDestRadiusM: 2000,
		ToleranceMinutes:   schedule.DefaultToleranceMinutes,
		MinScore:           0.1,
		RegistryTimeout:    2 * time.Second,
		FetchConcurrency:   8,
	}
}

// Query parameters; zero or negative radii and a negative MinScore fall back
// to the engine defaults.
type Query struct {
	HomeRadiusM float64
	DestRadiusM float64
	MinScore    float64
}

// Engine answers "who commutes like X". It owns two spatial indexes, one
// for home points and one for destinations, keyed by participant id, and
// reads everything else from the registry.
type Engine struct {
	cfg      Config
	registry Registry
	home     *geo.Index
	dest     *geo.Index
	logger   *slog.Logger
}

func New(cfg Config, registry Registry, logger *slog.Logger) *Engine {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		home:     geo.NewIndex(cfg.CellSizeMeters),
		dest:     geo.NewIndex(cfg.CellSizeMeters),
		logger:   logger,
	}
}

// Upsert projects a participant into both indexes. The participant is fully
// validated first so a rejected call leaves both indexes untouched. The two
// index writes are not atomic with respect to each other.
func (e *Engine) Upsert(p models.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.home.Upsert(p.ID, p.Home); err != nil {
		return err
	}
	if err := e.dest.Upsert(p.ID, p.Destination); err != nil {
		return err
	}
	observability.IndexedParticipants.Set(float64(e.home.Len()))
	return nil
}

// Remove drops id from both indexes; unknown ids are a no-op.
func (e *Engine) Remove(id string) {
	e.home.Remove(id)
	e.dest.Remove(id)
	observability.IndexedParticipants.Set(float64(e.home.Len()))
}

// Size is the number of participants in the home index.
func (e *Engine) Size() int { return e.home.Len() }

// FindMatches returns participants whose home lies within the home radius of
// the requester's home AND whose destination lies within the destination
// radius of the requester's destination, with a schedule score of at least
// MinScore (and never 0), best score first, then shortest combined distance.
// An empty slice means no match; registry failures, cancellation and an
// unknown requester are errors.
func (e *Engine) FindMatches(ctx context.Context, requesterID string, q Query) (out []models.MatchCandidate, err error) {
	start := time.Now()
	defer func() {
		observability.MatchLatency.Observe(time.Since(start).Seconds())
		observability.MatchQueries.WithLabelValues(outcome(err)).Inc()
		if err == nil {
			observability.MatchResults.Observe(float64(len(out)))
		}
	}()

	q = e.withDefaults(q)
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	req, err := e.lookup(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	homeHits, err := e.home.QueryRadius(req.Home, q.HomeRadiusM)
	if err != nil {
		return nil, err
	}
	destHits, err := e.dest.QueryRadius(req.Destination, q.DestRadiusM)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, min(len(homeHits), len(destHits)))
	for id := range homeHits {
		if id == requesterID {
			continue
		}
		if _, ok := destHits[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	candidates, err := e.fetchAll(ctx, ids)
	if err != nil {
		return nil, err
	}

	out = make([]models.MatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c == nil {
			continue
		}
		score := schedule.Overlap(req.Schedule, c.Schedule, e.cfg.ToleranceMinutes)
		if score <= 0 || score < q.MinScore {
			continue
		}
		out = append(out, models.MatchCandidate{
			ParticipantID: c.ID,
			Alias:         c.Alias,
			HomeDistanceM: homeHits[c.ID],
			DestDistanceM: destHits[c.ID],
			ScheduleScore: score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduleScore != out[j].ScheduleScore {
			return out[i].ScheduleScore > out[j].ScheduleScore
		}
		return out[i].TotalDistance() < out[j].TotalDistance()
	})

	e.logger.Debug("find_matches",
		"requester", requesterID,
		"home_hits", len(homeHits),
		"dest_hits", len(destHits),
		"candidates", len(ids),
		"matches", len(out),
	)
	return out, nil
}

func (e *Engine) withDefaults(q Query) Query {
	if q.HomeRadiusM <= 0 {
		q.HomeRadiusM = e.cfg.DefaultHomeRadiusM
	}
	if q.DestRadiusM <= 0 {
		q.DestRadiusM = e.cfg.DefaultDestRadiusM
	}
	if q.MinScore < 0 {
		q.MinScore = e.cfg.MinScore
	}
	return q
}

// fetchAll reads candidates concurrently. A candidate deleted since it was
// indexed comes back nil; any other failure aborts the whole query.
func (e *Engine) fetchAll(ctx context.Context, ids []string) ([]*models.Participant, error) {
	out := make([]*models.Participant, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p, err := e.lookup(gctx, id)
			if errors.Is(err, models.ErrParticipantNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out[i] = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// prefer the caller's cancellation over errors it induced
		if cerr := checkCtx(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// lookup reads one participant under the registry timeout and maps storage
// failures onto the engine's error taxonomy.
func (e *Engine) lookup(ctx context.Context, id string) (models.Participant, error) {
	rctx := ctx
	if e.cfg.RegistryTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.cfg.RegistryTimeout)
		defer cancel()
	}
	p, err := e.registry.Get(rctx, id)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, models.ErrParticipantNotFound):
		return models.Participant{}, fmt.Errorf("%w: %s", models.ErrParticipantNotFound, id)
	case ctx.Err() != nil:
		return models.Participant{}, fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
	default:
		return models.Participant{}, fmt.Errorf("%w: %v", models.ErrRegistryUnavailable, err)
	}
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrParticipantNotFound):
		return "not_found"
	case errors.Is(err, models.ErrCancelled):
		return "cancelled"
	case errors.Is(err, models.ErrRegistryUnavailable):
		return "registry_unavailable"
	default:
		return "invalid"
	}
}
