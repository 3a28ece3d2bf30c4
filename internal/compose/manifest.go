package compose

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/bazel-compose/internal/target"
	"github.com/ogulcanaydogan/bazel-compose/pkg/schema"
)

var (
	ErrUnknownService  = errors.New("unknown service")
	ErrInvalidManifest = errors.New("invalid manifest")
)

const (
	DefaultBaseFile   = "docker-compose.yml"
	DefaultSourceFile = "bazel-compose.yml"
	DefaultOutputFile = "docker-compose-generated.yml"
)

// Files names the manifest files of a workspace. Relative names resolve
// against Dir.
type Files struct {
	Dir    string
	Base   string
	Source string
	Output string
}

func DefaultFiles(dir string) Files {
	return Files{
		Dir:    dir,
		Base:   DefaultBaseFile,
		Source: DefaultSourceFile,
		Output: DefaultOutputFile,
	}
}

func (f Files) path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(f.Dir, name)
}

func (f Files) BasePath() string { return f.path(f.Base) }
func (f Files) SourcePath() string { return f.path(f.Source) }
func (f Files) OutputPath() string { return f.path(f.Output) }

type serviceDef struct {
	Image string `yaml:"image"`
}

type document struct {
	Services map[string]serviceDef `yaml:"services"`
}

// Manifest is the service view of bazel-compose.yml. Lookups read the file as
// loaded; SetImage edits a working copy that Save writes to the generated
// compose file, keeping comments and key order.
type Manifest struct {
	files    Files
	services map[string]serviceDef
	targets  map[string]target.Ref
	working  yaml.Node
}

func LoadManifest(files Files) (*Manifest, error) {
	path := files.SourcePath()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(files, raw)
}

// ParseManifest builds a Manifest from raw YAML; files only decides where Save
// writes and which compose files exist.
func ParseManifest(files Files, raw []byte) (*Manifest, error) {
	name := files.SourcePath()
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidManifest, name, err)
	}
	violations, err := schema.ValidateManifest(generic)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidManifest, name, strings.Join(violations, "; "))
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidManifest, name, err)
	}
	m := &Manifest{
		files:    files,
		services: doc.Services,
		targets:  make(map[string]target.Ref),
	}
	if err := yaml.Unmarshal(raw, &m.working); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrInvalidManifest, name, err)
	}
	for svc, def := range doc.Services {
		if !target.IsTarget(def.Image) {
			continue
		}
		ref, err := target.Normalize(def.Image)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc, err)
		}
		m.targets[svc] = ref
	}
	return m, nil
}

func (m *Manifest) Files() Files { return m.files }

// Services returns every service name, sorted.
func (m *Manifest) Services() []string {
	out := make([]string, 0, len(m.services))
	for svc := range m.services {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// BackedServices returns the services whose image is a build target, sorted.
func (m *Manifest) BackedServices() []string {
	out := make([]string, 0, len(m.targets))
	for svc := range m.targets {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// BackedTargets returns each backed service with the build target behind it.
// The map is a copy.
func (m *Manifest) BackedTargets() map[string]target.Ref {
	out := make(map[string]target.Ref, len(m.targets))
	for svc, ref := range m.targets {
		out[svc] = ref
	}
	return out
}

// TargetOf returns the build target behind service; ok is false when the
// service uses a plain image or none at all.
func (m *Manifest) TargetOf(service string) (ref target.Ref, ok bool, err error) {
	if _, known := m.services[service]; !known {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	ref, ok = m.targets[service]
	return ref, ok, nil
}

// ServicesFor returns the backed services built from ref, sorted.
func (m *Manifest) ServicesFor(ref target.Ref) []string {
	norm, err := target.Normalize(ref.String())
	if err != nil {
		return nil
	}
	var out []string
	for svc, t := range m.targets {
		if t == norm {
			out = append(out, svc)
		}
	}
	sort.Strings(out)
	return out
}

// Targets returns the distinct build targets behind backed services, sorted.
func (m *Manifest) Targets() []target.Ref {
	seen := make(map[target.Ref]struct{}, len(m.targets))
	out := make([]target.Ref, 0, len(m.targets))
	for _, t := range m.targets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetImage points service at tag in the working copy.
func (m *Manifest) SetImage(service, tag string) error {
	if _, known := m.services[service]; !known {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	services := mappingValue(documentRoot(&m.working), "services")
	def := mappingValue(services, service)
	if def == nil || def.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: service %s is not a mapping", ErrInvalidManifest, service)
	}
	if image := mappingValue(def, "image"); image != nil {
		image.Kind = yaml.ScalarNode
		image.Tag = "!!str"
		image.Style = 0
		image.Value = tag
		return nil
	}
	def.Content = append(def.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "image"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: tag},
	)
	return nil
}

// Image returns the image of service in the working copy.
func (m *Manifest) Image(service string) (string, error) {
	if _, known := m.services[service]; !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	image := mappingValue(mappingValue(mappingValue(documentRoot(&m.working), "services"), service), "image")
	if image == nil {
		return "", nil
	}
	return image.Value, nil
}

// Save writes the working copy to the generated compose file.
func (m *Manifest) Save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&m.working); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeFileAtomic(m.files.OutputPath(), buf.Bytes())
}

// ComposeFiles returns the compose files to pass with -f, base first. Files
// that do not exist yet are left out.
func (m *Manifest) ComposeFiles() []string {
	var out []string
	for _, p := range []string{m.files.BasePath(), m.files.OutputPath()} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func documentRoot(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return n.Content[0]
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func writeFileAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}
