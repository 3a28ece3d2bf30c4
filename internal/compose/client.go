package compose

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

const DefaultCommand = "docker-compose"

// Client runs docker-compose (or a compatible command) against the base and
// generated compose files of a manifest.
type Client struct {
	command  []string
	manifest *Manifest
	Stdout   io.Writer
	Stderr   io.Writer
}

// NewClient splits command on whitespace so "docker compose" works as well as
// "docker-compose".
func NewClient(command string, m *Manifest) (*Client, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("compose command is empty")
	}
	return &Client{command: parts, manifest: m, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Up runs `up -d` for services, or for the whole stack when none are given.
// Output is discarded unless out is set.
func (c *Client) Up(ctx context.Context, out io.Writer, services ...string) error {
	cmd := c.cmd(ctx, append([]string{"up", "-d"}, services...)...)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Run(); err != nil {
		if len(services) == 0 {
			return fmt.Errorf("start stack: %w", err)
		}
		return fmt.Errorf("restart services %s: %w", strings.Join(services, ","), err)
	}
	return nil
}

// Restart recreates exactly the given services with their current images.
func (c *Client) Restart(ctx context.Context, services []string) error {
	if len(services) == 0 {
		return nil
	}
	return c.Up(ctx, nil, services...)
}

// Logs follows new log lines of services until the command exits or ctx is
// done.
func (c *Client) Logs(ctx context.Context, services ...string) error {
	cmd := c.cmd(ctx, append([]string{"logs", "-f", "--tail=0"}, services...)...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("follow logs: %w", err)
	}
	return nil
}

func (c *Client) cmd(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{}, c.command[1:]...)
	for _, f := range c.manifest.ComposeFiles() {
		full = append(full, "-f", f)
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, c.command[0], full...)
	cmd.Dir = c.manifest.Files().Dir
	return cmd
}
