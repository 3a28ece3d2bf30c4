package target

import (
	"errors"
	"fmt"
	"strings"
)

// DigestSuffix marks the fingerprint artifact of an image target.
const DigestSuffix = ".digest"

const (
	prefix    = "//"
	separator = ":"
)

var ErrInvalidTargetRef = errors.New("invalid target reference")

// Ref is a canonical target reference: "//pkg" when the target name equals the
// package basename, "//pkg:name" otherwise.
type Ref string

func (r Ref) String() string { return string(r) }

func (r Ref) Package() string {
	pkg, _ := split(string(r))
	return pkg
}

func (r Ref) Name() string {
	_, name := split(string(r))
	return name
}

// IsTarget reports whether an image field names a build target instead of an image tag.
func IsTarget(s string) bool {
	return strings.HasPrefix(s, prefix)
}

// Normalize turns "//pkg:pkg.digest", "//pkg:pkg" and "//pkg" into "//pkg" and
// "//pkg:name.digest" into "//pkg:name".
func Normalize(ref string) (Ref, error) {
	pkg, name, err := parse(ref)
	if err != nil {
		return "", err
	}
	if name == basename(pkg) {
		return Ref(pkg), nil
	}
	return Ref(pkg + separator + name), nil
}

// FingerprintTarget returns the digest target for an image target.
func FingerprintTarget(ref string) (Ref, error) {
	norm, err := Normalize(ref)
	if err != nil {
		return "", err
	}
	pkg, name := split(string(norm))
	return Ref(pkg + separator + name + DigestSuffix), nil
}

func parse(ref string) (pkg, name string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty reference", ErrInvalidTargetRef)
	}
	if strings.Count(ref, separator) > 1 {
		return "", "", fmt.Errorf("%w: %q has more than one %q", ErrInvalidTargetRef, ref, separator)
	}
	pkg, name = split(ref)
	if pkg == "" {
		return "", "", fmt.Errorf("%w: %q has no package", ErrInvalidTargetRef, ref)
	}
	for strings.HasSuffix(name, DigestSuffix) {
		name = strings.TrimSuffix(name, DigestSuffix)
	}
	if name == "" {
		return "", "", fmt.Errorf("%w: %q has no target name", ErrInvalidTargetRef, ref)
	}
	return pkg, name, nil
}

func split(ref string) (pkg, name string) {
	if i := strings.Index(ref, separator); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, basename(ref)
}

func basename(pkg string) string {
	return pkg[strings.LastIndex(pkg, "/")+1:]
}
