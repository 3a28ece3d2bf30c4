package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ogulcanaydogan/bazel-compose/internal/fingerprint"
	"github.com/ogulcanaydogan/bazel-compose/internal/logging"
	"github.com/ogulcanaydogan/bazel-compose/internal/metrics"
	"github.com/ogulcanaydogan/bazel-compose/internal/target"
	"github.com/ogulcanaydogan/bazel-compose/pkg/types"
)

var (
	ErrLaunchFailed   = errors.New("builder launch failed")
	ErrMalformedEvent = errors.New("malformed build event")
	ErrTerminated     = errors.New("build stream terminated")
)

// Profile records can carry long target lists.
const maxRecordBytes = 4 * 1024 * 1024

// Launcher starts the builder in watch mode over the given digest targets and
// returns its newline-delimited record output. Closing the reader must stop
// the builder.
type Launcher interface {
	StartWatch(ctx context.Context, digestTargets []target.Ref) (io.ReadCloser, error)
}

type State int32

const (
	Starting State = iota
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ChangeEvent lists the targets whose digest changed in one build generation.
type ChangeEvent struct {
	Iteration string
	Targets   []target.Ref
}

func (e ChangeEvent) Contains(ref target.Ref) bool {
	for _, t := range e.Targets {
		if t == ref {
			return true
		}
	}
	return false
}

type Option func(*Stream)

func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stream turns the builder's record output into change events. It is not
// restartable: once terminated, a new Stream must be opened.
type Stream struct {
	launcher Launcher
	store    *fingerprint.Store
	logger   *slog.Logger
	out      io.ReadCloser
	scanner  *bufio.Scanner
	state    atomic.Int32

	closeOnce sync.Once
	closeErr  error
	termErr   error
}

// New returns a stream in the Starting state. Start launches the builder.
func New(launcher Launcher, store *fingerprint.Store, opts ...Option) *Stream {
	s := &Stream{launcher: launcher, store: store, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(int32(Starting))
	return s
}

// Open is New followed by Start.
func Open(ctx context.Context, launcher Launcher, store *fingerprint.Store, targets []target.Ref, opts ...Option) (*Stream, error) {
	s := New(launcher, store, opts...)
	if err := s.Start(ctx, targets); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the builder over the digest targets of targets and moves the
// stream to Running. A failed launch terminates the stream; Next then returns
// the launch error.
func (s *Stream) Start(ctx context.Context, targets []target.Ref) error {
	if st := s.State(); st != Starting {
		return fmt.Errorf("%w: stream is %s", ErrLaunchFailed, st)
	}
	digestTargets, err := digestTargets(targets)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLaunchFailed, err)
		s.terminate(err)
		return err
	}
	if len(digestTargets) == 0 {
		err := fmt.Errorf("%w: no targets to watch", ErrLaunchFailed)
		s.terminate(err)
		return err
	}

	out, err := s.launcher.StartWatch(ctx, digestTargets)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLaunchFailed, err)
		s.terminate(err)
		return err
	}
	s.out = out
	s.scanner = bufio.NewScanner(out)
	s.scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	s.state.Store(int32(Running))
	s.logger.Info("watching build targets", "targets", len(digestTargets))
	return nil
}

func (s *Stream) State() State { return State(s.state.Load()) }

// Next blocks until the builder reports a build whose digests changed. It
// returns ErrTerminated once the builder output ends, an ErrMalformedEvent
// error when a record cannot be decoded, and ctx.Err() when ctx is done. All
// of these leave the stream terminated.
func (s *Stream) Next(ctx context.Context) (ChangeEvent, error) {
	switch s.State() {
	case Starting:
		return ChangeEvent{}, fmt.Errorf("%w: stream not started", ErrTerminated)
	case Terminated:
		return ChangeEvent{}, s.terminalErr()
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		if !s.scanner.Scan() {
			if err := ctx.Err(); err != nil {
				s.terminate(err)
				return ChangeEvent{}, err
			}
			err := ErrTerminated
			if scanErr := s.scanner.Err(); scanErr != nil && s.State() != Terminated {
				err = fmt.Errorf("%w: %w", ErrTerminated, scanErr)
			}
			s.terminate(err)
			return ChangeEvent{}, err
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, ok, err := s.handle(ctx, line)
		if err != nil {
			s.terminate(err)
			return ChangeEvent{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

// All yields change events until the stream terminates. The final pair
// carries the terminating error. Stopping the iteration closes the stream.
func (s *Stream) All(ctx context.Context) iter.Seq2[ChangeEvent, error] {
	return func(yield func(ChangeEvent, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Next(ctx)
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close stops the builder. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Terminated))
		if s.out != nil {
			s.closeErr = s.out.Close()
		}
	})
	return s.closeErr
}

func (s *Stream) handle(ctx context.Context, line []byte) (ChangeEvent, bool, error) {
	var rec types.BuildRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		metrics.BuildRecords.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return ChangeEvent{}, false, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if rec.Type == "" {
		metrics.BuildRecords.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return ChangeEvent{}, false, fmt.Errorf("%w: record has no type", ErrMalformedEvent)
	}
	if !rec.Finished() {
		metrics.BuildRecords.WithLabelValues(metrics.OutcomeSkipped).Inc()
		s.logger.Debug("skipping build record", "type", rec.Type)
		return ChangeEvent{}, false, nil
	}

	refs := make([]target.Ref, 0, len(rec.Targets))
	for _, raw := range rec.Targets {
		ref, err := target.Normalize(raw)
		if err != nil {
			metrics.BuildRecords.WithLabelValues(metrics.OutcomeMalformed).Inc()
			return ChangeEvent{}, false, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		refs = append(refs, ref)
	}

	changes, err := s.store.Diff(ctx, refs)
	if err != nil {
		for _, e := range unwrapAll(err) {
			metrics.FingerprintUnavailable.Inc()
			s.logger.Warn("digest not readable, skipping target", "iteration", rec.Iteration, "error", e)
		}
	}
	if len(changes) == 0 {
		metrics.BuildRecords.WithLabelValues(metrics.OutcomeUnchanged).Inc()
		s.logger.Debug("build finished without digest changes", "iteration", rec.Iteration, "targets", len(refs))
		return ChangeEvent{}, false, nil
	}
	s.store.Update(changes)
	metrics.BuildRecords.WithLabelValues(metrics.OutcomeChanged).Inc()

	ev := ChangeEvent{Iteration: rec.Iteration, Targets: make([]target.Ref, 0, len(changes))}
	for ref := range changes {
		ev.Targets = append(ev.Targets, ref)
	}
	sort.Slice(ev.Targets, func(i, j int) bool { return ev.Targets[i] < ev.Targets[j] })
	s.logger.Info("build changed targets", "iteration", rec.Iteration, "targets", ev.Targets)
	return ev, true, nil
}

func (s *Stream) terminate(err error) {
	if s.termErr == nil {
		s.termErr = err
	}
	_ = s.Close()
}

func (s *Stream) terminalErr() error {
	if s.termErr != nil {
		return s.termErr
	}
	return ErrTerminated
}

func digestTargets(targets []target.Ref) ([]target.Ref, error) {
	seen := make(map[target.Ref]struct{}, len(targets))
	out := make([]target.Ref, 0, len(targets))
	for _, t := range targets {
		d, err := target.FingerprintTarget(t.String())
		if err != nil {
			return nil, err
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
