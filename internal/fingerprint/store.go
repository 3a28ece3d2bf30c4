package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ogulcanaydogan/bazel-compose/internal/target"
)

var ErrUnavailable = errors.New("fingerprint unavailable")

// Fingerprint is the content of a digest artifact. Equal fingerprints mean
// identical image content.
type Fingerprint string

// Changes maps a normalized target to its newly observed fingerprint.
type Changes map[target.Ref]Fingerprint

// Reader returns the raw content of a digest artifact.
type Reader interface {
	Read(ctx context.Context, digestTarget target.Ref) ([]byte, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, digestTarget target.Ref) ([]byte, error)

func (f ReaderFunc) Read(ctx context.Context, digestTarget target.Ref) ([]byte, error) {
	return f(ctx, digestTarget)
}

// Store holds the last observed fingerprint per target. It has a single owner
// and is not safe for concurrent use.
type Store struct {
	reader  Reader
	entries map[target.Ref]Fingerprint
}

func NewStore(reader Reader) *Store {
	return &Store{reader: reader, entries: make(map[target.Ref]Fingerprint)}
}

// Read returns the current fingerprint of ref's digest artifact.
func (s *Store) Read(ctx context.Context, ref target.Ref) (Fingerprint, error) {
	return read(ctx, s.reader, ref)
}

// Diff reports the candidates whose fingerprint differs from the stored one.
func (s *Store) Diff(ctx context.Context, candidates []target.Ref) (Changes, error) {
	return Diff(ctx, s.reader, s.entries, candidates)
}

// Update merges changes into the store. Entries are never removed.
func (s *Store) Update(changes Changes) {
	for ref, fp := range changes {
		s.entries[ref] = fp
	}
}

func (s *Store) Get(ref target.Ref) (Fingerprint, bool) {
	fp, ok := s.entries[ref]
	return fp, ok
}

func (s *Store) Len() int { return len(s.entries) }

// Diff reads the fingerprint of every candidate and returns those that differ
// from old; a missing entry in old counts as the empty fingerprint. A candidate
// whose artifact cannot be read is skipped and reported in the returned error
// while the remaining candidates are still evaluated, so the result may be
// non-empty even when err is not nil.
func Diff(ctx context.Context, reader Reader, old map[target.Ref]Fingerprint, candidates []target.Ref) (Changes, error) {
	changed := Changes{}
	seen := make(map[target.Ref]struct{}, len(candidates))
	var errs []error
	for _, ref := range candidates {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		fp, err := read(ctx, reader, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if old[ref] != fp {
			changed[ref] = fp
		}
	}
	return changed, errors.Join(errs...)
}

func read(ctx context.Context, reader Reader, ref target.Ref) (Fingerprint, error) {
	digestTarget, err := target.FingerprintTarget(ref.String())
	if err != nil {
		return "", err
	}
	raw, err := reader.Read(ctx, digestTarget)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUnavailable, digestTarget, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrUnavailable, digestTarget)
	}
	return Fingerprint(raw), nil
}
