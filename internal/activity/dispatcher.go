package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Transport delivers an activity to an outside channel. Delivery is
// at-least-once; a transport must tolerate seeing the same activity id twice.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, a *domain.Activity) error
}

// ActivityGetter reloads stored activities for redelivery.
type ActivityGetter interface {
	GetActivity(ctx context.Context, teamID domain.TeamID, id string) (*domain.Activity, error)
}

// DispatcherConfig tunes asynchronous delivery.
type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	// BacklogSize caps how many undelivered activities are remembered for
	// Redeliver. Beyond it they are only logged.
	BacklogSize int
}

// Dispatcher is a Hook that queues activities and delivers them to every
// transport in the background, retrying each transport independently.
// Notify never blocks: activities that find the queue full, and those a
// transport gave up on, go to a backlog that Redeliver drains.
type Dispatcher struct {
	cfg        DispatcherConfig
	transports []Transport
	log        zerolog.Logger

	queue     chan job
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool

	backlogMu sync.Mutex
	backlog   map[activityRef]*undelivered
	gen       uint64
}

// undelivered lists the transports an activity still has to reach. gen
// changes whenever a failure is added.
type undelivered struct {
	targets map[string]bool
	gen     uint64
}

// job is one activity bound for targets.
type job struct {
	a       *domain.Activity
	targets []Transport
}

type activityRef struct {
	team domain.TeamID
	id   string
}

// NewDispatcher creates a dispatcher. Call Start before recording.
func NewDispatcher(cfg DispatcherConfig, log zerolog.Logger, transports ...Transport) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = 10000
	}
	return &Dispatcher{
		cfg:        cfg,
		transports: transports,
		log:        log,
		queue:      make(chan job, cfg.QueueSize),
		closeChan:  make(chan struct{}),
		backlog:    make(map[activityRef]*undelivered),
	}
}

// Notify implements Hook by enqueuing a for delivery. A full queue does not
// block the caller; the activity is kept for Redeliver instead.
func (d *Dispatcher) Notify(_ context.Context, a *domain.Activity) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return fmt.Errorf("Notify: dispatcher is closed")
	}
	if len(d.transports) == 0 {
		return nil
	}
	select {
	case d.queue <- job{a: a.Clone(), targets: d.transports}:
		return nil
	default:
		d.postpone(a, d.transports...)
		return fmt.Errorf("Notify: delivery queue full, activity %s deferred", a.ID)
	}
}

// postpone remembers that a still has to reach targets.
func (d *Dispatcher) postpone(a *domain.Activity, targets ...Transport) {
	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()

	ref := activityRef{team: a.TeamID, id: a.ID}
	u, ok := d.backlog[ref]
	if !ok {
		if len(d.backlog) >= d.cfg.BacklogSize {
			d.log.Error().
				Str("team_id", string(a.TeamID)).
				Str("activity_id", a.ID).
				Int("backlog", len(d.backlog)).
				Msg("Delivery backlog full, dropping activity")
			return
		}
		u = &undelivered{targets: make(map[string]bool)}
		d.backlog[ref] = u
	}
	d.gen++
	u.gen = d.gen
	for _, t := range targets {
		u.targets[t.Name()] = true
	}
}

// Backlog returns how many activities wait for redelivery.
func (d *Dispatcher) Backlog() int {
	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()
	return len(d.backlog)
}

// Redeliver reloads backlogged activities from src and queues them again
// for the transports that still miss them. It stops at the first full
// queue and returns how many were queued.
func (d *Dispatcher) Redeliver(ctx context.Context, src ActivityGetter) (int, error) {
	type snapshot struct {
		ref     activityRef
		targets []Transport
		gen     uint64
	}
	d.backlogMu.Lock()
	pending := make([]snapshot, 0, len(d.backlog))
	for ref, u := range d.backlog {
		s := snapshot{ref: ref, gen: u.gen}
		for _, t := range d.transports {
			if u.targets[t.Name()] {
				s.targets = append(s.targets, t)
			}
		}
		pending = append(pending, s)
	}
	d.backlogMu.Unlock()

	queued := 0
	for _, p := range pending {
		a, err := src.GetActivity(ctx, p.ref.team, p.ref.id)
		if err != nil {
			if domain.IsNotFound(err) {
				d.forget(p.ref, p.gen)
				continue
			}
			return queued, fmt.Errorf("Redeliver: loading activity %s: %w", p.ref.id, err)
		}

		d.mu.RLock()
		if d.closed {
			d.mu.RUnlock()
			return queued, nil
		}
		select {
		case d.queue <- job{a: a, targets: p.targets}:
			d.mu.RUnlock()
			d.forget(p.ref, p.gen)
			queued++
		default:
			d.mu.RUnlock()
			return queued, nil
		}
	}
	return queued, nil
}

// forget drops ref from the backlog unless a failure was added for it after
// gen.
func (d *Dispatcher) forget(ref activityRef, gen uint64) {
	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()
	if u, ok := d.backlog[ref]; ok && u.gen == gen {
		delete(d.backlog, ref)
	}
}

// RunRedelivery calls Redeliver every interval until ctx ends or the
// dispatcher stops.
func (d *Dispatcher) RunRedelivery(ctx context.Context, src ActivityGetter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closeChan:
			return
		case <-ticker.C:
		}
		if d.Backlog() == 0 {
			continue
		}
		n, err := d.Redeliver(ctx, src)
		if err != nil {
			d.log.Error().Err(err).Msg("Activity redelivery failed")
		}
		if n > 0 {
			d.log.Info().Int("queued", n).Msg("Requeued undelivered activities")
		}
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.dispatch(ctx, j)
		case <-d.closeChan:
			// Drain what is already queued before exiting.
			for {
				select {
				case j := <-d.queue:
					d.dispatch(ctx, j)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers the job to its transports concurrently.
func (d *Dispatcher) dispatch(ctx context.Context, j job) {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range j.targets {
		t := t
		g.Go(func() error {
			d.deliver(gctx, t, j.a)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, t Transport, a *domain.Activity) {
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := t.Deliver(ctx, a.Clone())
		if err == nil {
			return
		}
		d.log.Warn().Err(err).
			Str("transport", t.Name()).
			Str("activity_id", a.ID).
			Int("attempt", attempt).
			Msg("Activity delivery failed")

		if attempt == d.cfg.MaxAttempts {
			d.log.Error().
				Str("transport", t.Name()).
				Str("activity_id", a.ID).
				Str("team_id", string(a.TeamID)).
				Msg("Giving up on activity delivery")
			d.postpone(a, t)
			return
		}

		timer := time.NewTimer(time.Duration(attempt) * d.cfg.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop refuses new activities, delivers what is queued and waits for the
// workers, or returns when ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeChan)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Hook = (*Dispatcher)(nil)
