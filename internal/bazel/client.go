package bazel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/ogulcanaydogan/bazel-compose/internal/target"
)

const (
	DefaultIBazel = "ibazel"
	DefaultBazel  = "bazel"
	DefaultBinDir = "bazel-bin"
)

// Client drives ibazel and bazel inside one workspace.
type Client struct {
	IBazel    string
	Bazel     string
	Workspace string
	BinDir    string
}

func New(workspace string) *Client {
	return &Client{
		IBazel:    DefaultIBazel,
		Bazel:     DefaultBazel,
		Workspace: workspace,
		BinDir:    DefaultBinDir,
	}
}

// StartWatch runs
//
//	ibazel -log_to_file /dev/null -profile_dev /dev/stdout build <targets...>
//
// and returns the profile record stream. Closing it kills ibazel.
func (c *Client) StartWatch(ctx context.Context, digestTargets []target.Ref) (io.ReadCloser, error) {
	args := []string{
		// ibazel's own logging is noise for us.
		"-log_to_file", os.DevNull,
		// Build events go to stdout, which also tells us when ibazel dies.
		"-profile_dev", "/dev/stdout",
		"build",
	}
	for _, t := range digestTargets {
		args = append(args, t.String())
	}

	cmd := exec.CommandContext(ctx, c.IBazel, args...)
	cmd.Dir = c.Workspace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe %s stdout: %w", c.IBazel, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.IBazel, err)
	}
	return &watchProcess{cmd: cmd, stdout: stdout}, nil
}

type watchProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func (p *watchProcess) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *watchProcess) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = err
		}
	})
	return p.err
}

// Read returns the content of the digest artifact under bazel-bin.
func (c *Client) Read(_ context.Context, digestTarget target.Ref) ([]byte, error) {
	path, err := c.DigestPath(digestTarget)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read digest %s: %w", path, err)
	}
	return raw, nil
}

// DigestPath maps //pkg:name.digest to <workspace>/bazel-bin/pkg/name.digest.
func (c *Client) DigestPath(ref target.Ref) (string, error) {
	digestTarget, err := target.FingerprintTarget(ref.String())
	if err != nil {
		return "", err
	}
	// TODO: map @repo//pkg targets to bazel-bin/external/repo once container_pull images need digests.
	if !target.IsTarget(digestTarget.String()) {
		return "", fmt.Errorf("%w: %s is not a workspace target", target.ErrInvalidTargetRef, digestTarget)
	}
	pkg := strings.TrimPrefix(digestTarget.Package(), "//")
	return filepath.Join(c.Workspace, c.BinDir, filepath.FromSlash(pkg), digestTarget.Name()), nil
}

// RunAndTag runs `bazel run <target> -- --norun`, which loads the image into
// the local container runtime without starting it, and returns the tag the
// loader reported.
func (c *Client) RunAndTag(ctx context.Context, ref target.Ref) (string, error) {
	cmd := exec.CommandContext(ctx, c.Bazel, "run", ref.String(), "--", "--norun")
	cmd.Dir = c.Workspace
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("pipe %s stdout: %w", c.Bazel, err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s run %s: %w", c.Bazel, ref, err)
	}
	tag, parseErr := ParseTag(stdout)
	// Drain so the loader never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("run %s: %w%s", ref, err, lastLine(stderr.String()))
	}
	if parseErr != nil {
		return "", fmt.Errorf("run %s: %w", ref, parseErr)
	}
	return tag, nil
}

// ParseTag scans loader output such as
//
//	Tagging c0ffee as bazel/caper/platform/longbow:longbow_image
//
// and returns the last tag it reports.
func ParseTag(r io.Reader) (string, error) {
	var tag string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Tagging ") {
			continue
		}
		fields := strings.Fields(line)
		tag = fields[len(fields)-1]
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read loader output: %w", err)
	}
	if tag == "" {
		return "", fmt.Errorf("loader never tagged an image")
	}
	if _, err := name.NewTag(tag); err != nil {
		return "", fmt.Errorf("loader reported invalid tag %q: %w", tag, err)
	}
	return tag, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	return ": " + s
}
