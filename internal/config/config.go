package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/bazel-compose/internal/compose"
	"github.com/ogulcanaydogan/bazel-compose/internal/logging"
)

// FileName is the optional per-workspace config file.
const FileName = "bazel-compose.yaml"

type Commands struct {
	IBazel  string `yaml:"ibazel"`
	Bazel   string `yaml:"bazel"`
	Compose string `yaml:"compose"`
}

type Manifest struct {
	Base   string `yaml:"base"`
	Source string `yaml:"source"`
	Output string `yaml:"output"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Commands   Commands `yaml:"commands"`
	Manifest   Manifest `yaml:"manifest"`
	Log        Log      `yaml:"log"`
	Policy     string   `yaml:"policy"`
	StatusAddr string   `yaml:"status_addr"`

	// Follow lists services whose logs are streamed; empty means all.
	Follow []string `yaml:"follow"`
}

func Default() Config {
	return Config{
		Commands: Commands{
			IBazel:  "ibazel",
			Bazel:   "bazel",
			Compose: compose.DefaultCommand,
		},
		Manifest: Manifest{
			Base:   compose.DefaultBaseFile,
			Source: compose.DefaultSourceFile,
			Output: compose.DefaultOutputFile,
		},
		Log: Log{Level: "info", Format: logging.FormatText},
	}
}

// Load reads path over Default. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWorkspace loads FileName from dir.
func LoadWorkspace(dir string) (Config, error) {
	return Load(filepath.Join(dir, FileName))
}

func (c Config) Validate() error {
	var errs []error
	if c.Commands.IBazel == "" {
		errs = append(errs, errors.New("commands.ibazel is empty"))
	}
	if c.Commands.Bazel == "" {
		errs = append(errs, errors.New("commands.bazel is empty"))
	}
	if c.Commands.Compose == "" {
		errs = append(errs, errors.New("commands.compose is empty"))
	}
	if c.Manifest.Source == "" {
		errs = append(errs, errors.New("manifest.source is empty"))
	}
	if c.Manifest.Output == "" {
		errs = append(errs, errors.New("manifest.output is empty"))
	}
	if c.Manifest.Output == c.Manifest.Source {
		errs = append(errs, errors.New("manifest.output must differ from manifest.source"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Files returns the manifest files of the workspace in dir.
func (c Config) Files(dir string) compose.Files {
	return compose.Files{
		Dir:    dir,
		Base:   c.Manifest.Base,
		Source: c.Manifest.Source,
		Output: c.Manifest.Output,
	}
}

func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
