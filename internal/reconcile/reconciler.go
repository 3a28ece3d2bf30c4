package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/bazel-compose/internal/logging"
	"github.com/ogulcanaydogan/bazel-compose/internal/metrics"
	"github.com/ogulcanaydogan/bazel-compose/internal/stream"
	"github.com/ogulcanaydogan/bazel-compose/internal/target"
)

var (
	ErrRetagFailed   = errors.New("retag failed")
	ErrPolicyDenied  = errors.New("redeploy denied by policy")
	ErrPersistFailed = errors.New("manifest persist failed")
	ErrRestartFailed = errors.New("service restart failed")
)

// Retagger loads a target's image into the container runtime and returns its tag.
type Retagger interface {
	RunAndTag(ctx context.Context, ref target.Ref) (string, error)
}

// Manifest is the part of the service manifest a cycle reads and writes.
type Manifest interface {
	ServicesFor(ref target.Ref) []string
	Image(service string) (string, error)
	SetImage(service, tag string) error
	Save() error
}

// Restarter recreates exactly the named services.
type Restarter interface {
	Restart(ctx context.Context, services []string) error
}

// Gate may veto a planned redeploy before anything is written.
type Gate interface {
	Check(ctx context.Context, plan Plan) error
}

// Source yields change events; *stream.Stream satisfies it.
type Source interface {
	Next(ctx context.Context) (stream.ChangeEvent, error)
}

// Change is one service moving to a new image tag.
type Change struct {
	Service string     `json:"service"`
	Target  target.Ref `json:"target"`
	Image   string     `json:"image"`
}

// Plan is what a cycle intends to apply.
type Plan struct {
	CycleID string   `json:"cycle_id"`
	Changes []Change `json:"changes"`
}

// Services returns the services of the plan, sorted and without duplicates.
func (p Plan) Services() []string {
	seen := make(map[string]struct{}, len(p.Changes))
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		if _, ok := seen[c.Service]; ok {
			continue
		}
		seen[c.Service] = struct{}{}
		out = append(out, c.Service)
	}
	sort.Strings(out)
	return out
}

// Result describes one finished cycle, successful or not.
type Result struct {
	CycleID   string                `json:"cycle_id"`
	Iteration string                `json:"iteration,omitempty"`
	Targets   []target.Ref          `json:"targets"`
	Tags      map[target.Ref]string `json:"tags,omitempty"`
	Changes   []Change              `json:"changes,omitempty"`
	Restarted []string              `json:"restarted,omitempty"`
	Outcome   string                `json:"outcome"`
	Error     string                `json:"error,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithGate(g Gate) Option {
	return func(r *Reconciler) { r.gate = g }
}

// WithObserver registers fn to receive every cycle result.
func WithObserver(fn func(Result)) Option {
	return func(r *Reconciler) { r.observers = append(r.observers, fn) }
}

// Reconciler turns change events into scoped redeploys. It is driven by a
// single goroutine and holds no locks.
type Reconciler struct {
	manifest  Manifest
	retagger  Retagger
	restarter Restarter
	gate      Gate
	logger    *slog.Logger
	observers []func(Result)
	now       func() time.Time
	newID     func() string
}

func New(m Manifest, retagger Retagger, restarter Restarter, opts ...Option) *Reconciler {
	r := &Reconciler{
		manifest:  m,
		retagger:  retagger,
		restarter: restarter,
		logger:    logging.Discard(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run pulls events from src and reconciles each in order. A failed cycle is
// logged and the loop moves on; Run only returns when src fails, and returns
// nil if that happened because ctx was cancelled.
func (r *Reconciler) Run(ctx context.Context, src Source) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if _, err := r.Reconcile(ctx, ev); err != nil {
			r.logger.Error("reconcile cycle abandoned", "error", err)
		}
	}
}

// Reconcile runs one cycle for ev: retag every changed target once, point the
// services built from them at the new tags, persist the manifest and restart
// exactly those services. A retag failure abandons the cycle before anything
// is written; a failed image update leaves the working copy as it was.
func (r *Reconciler) Reconcile(ctx context.Context, ev stream.ChangeEvent) (Result, error) {
	res := Result{
		CycleID:   r.newID(),
		Iteration: ev.Iteration,
		Targets:   ev.Targets,
		Tags:      make(map[target.Ref]string, len(ev.Targets)),
		StartedAt: r.now(),
	}
	log := r.logger.With("cycle_id", res.CycleID)
	log.Info("reconcile cycle started", "iteration", ev.Iteration, "targets", ev.Targets)

	err := r.reconcile(ctx, ev, &res, log)
	res.Duration = r.now().Sub(res.StartedAt)
	if err != nil {
		res.Error = err.Error()
	}
	metrics.Cycles.WithLabelValues(res.Outcome).Inc()
	metrics.CycleDuration.Observe(res.Duration.Seconds())
	for _, fn := range r.observers {
		fn(res)
	}
	if err == nil {
		log.Info("reconcile cycle finished", "outcome", res.Outcome, "restarted", res.Restarted, "duration", res.Duration)
	}
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, ev stream.ChangeEvent, res *Result, log *slog.Logger) error {
	for _, ref := range sortedTargets(ev.Targets) {
		start := r.now()
		tag, err := r.retagger.RunAndTag(ctx, ref)
		metrics.RetagDuration.Observe(r.now().Sub(start).Seconds())
		if err != nil {
			res.Outcome = metrics.ResultRetagFailed
			return fmt.Errorf("%w: %s: %w", ErrRetagFailed, ref, err)
		}
		log.Debug("retagged target", "target", ref, "image", tag)
		res.Tags[ref] = tag
	}

	plan := Plan{CycleID: res.CycleID}
	for _, ref := range sortedTargets(ev.Targets) {
		for _, svc := range r.manifest.ServicesFor(ref) {
			plan.Changes = append(plan.Changes, Change{Service: svc, Target: ref, Image: res.Tags[ref]})
		}
	}
	res.Changes = plan.Changes
	if len(plan.Changes) == 0 {
		res.Outcome = metrics.ResultNoop
		log.Info("no services use the changed targets")
		return nil
	}

	if r.gate != nil {
		if err := r.gate.Check(ctx, plan); err != nil {
			res.Outcome = metrics.ResultPolicyDenied
			return fmt.Errorf("%w: %w", ErrPolicyDenied, err)
		}
	}

	if err := r.applyImages(plan.Changes); err != nil {
		res.Outcome = metrics.ResultPersistFailed
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}
	if err := r.manifest.Save(); err != nil {
		res.Outcome = metrics.ResultPersistFailed
		return fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	services := plan.Services()
	if err := r.restarter.Restart(ctx, services); err != nil {
		res.Outcome = metrics.ResultRestartFailed
		return fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	res.Restarted = services
	res.Outcome = metrics.ResultRedeployed
	metrics.ServicesRestarted.Add(float64(len(services)))
	return nil
}

// applyImages sets every change in the working copy, or none of them: when a
// SetImage fails the services already updated get their previous image back.
func (r *Reconciler) applyImages(changes []Change) error {
	previous := make(map[string]string, len(changes))
	for _, c := range changes {
		img, err := r.manifest.Image(c.Service)
		if err != nil {
			return err
		}
		previous[c.Service] = img
	}
	applied := make([]string, 0, len(changes))
	for _, c := range changes {
		if err := r.manifest.SetImage(c.Service, c.Image); err != nil {
			for _, svc := range applied {
				if rbErr := r.manifest.SetImage(svc, previous[svc]); rbErr != nil {
					err = errors.Join(err, fmt.Errorf("restore image of %s: %w", svc, rbErr))
				}
			}
			return err
		}
		applied = append(applied, c.Service)
	}
	return nil
}

func sortedTargets(in []target.Ref) []target.Ref {
	out := make([]target.Ref, 0, len(in))
	seen := make(map[target.Ref]struct{}, len(in))
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
