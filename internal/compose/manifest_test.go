package compose

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ogulcanaydogan/bazel-compose/internal/target"
)

const sampleManifest = `# local stack
services:
  api:
    image: //svc:api # built by bazel
    ports:
      - "8080:8080"
  api-shadow:
    image: //svc:api.digest
  worker:
    image: //svc/worker
  db:
    image: postgres:16
  tools:
    build: ./tools
`

func writeManifest(t *testing.T, content string) Files {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultSourceFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return DefaultFiles(dir)
}

func loadSample(t *testing.T) *Manifest {
	t.Helper()
	m, err := LoadManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return m
}

func TestBackedServices(t *testing.T) {
	m := loadSample(t)
	got := strings.Join(m.BackedServices(), ",")
	if got != "api,api-shadow,worker" {
		t.Fatalf("unexpected backed services %q", got)
	}
	if all := strings.Join(m.Services(), ","); all != "api,api-shadow,db,tools,worker" {
		t.Fatalf("unexpected services %q", all)
	}
}

func TestTargetOf(t *testing.T) {
	m := loadSample(t)
	ref, ok, err := m.TargetOf("api-shadow")
	if err != nil || !ok || ref != "//svc:api" {
		t.Fatalf("unexpected target %q %v %v", ref, ok, err)
	}
	ref, ok, err = m.TargetOf("worker")
	if err != nil || !ok || ref != "//svc/worker" {
		t.Fatalf("unexpected target %q %v %v", ref, ok, err)
	}
	if _, ok, err := m.TargetOf("db"); err != nil || ok {
		t.Fatalf("expected db to be unbacked, got %v %v", ok, err)
	}
	if _, ok, err := m.TargetOf("tools"); err != nil || ok {
		t.Fatalf("expected tools to be unbacked, got %v %v", ok, err)
	}
	if _, _, err := m.TargetOf("nope"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestBackedTargets(t *testing.T) {
	m := loadSample(t)
	got := m.BackedTargets()
	want := map[string]target.Ref{
		"api":        "//svc:api",
		"api-shadow": "//svc:api",
		"worker":     "//svc/worker",
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected backed targets %v", got)
	}
	for svc, ref := range want {
		if got[svc] != ref {
			t.Fatalf("service %s: got %q, want %q", svc, got[svc], ref)
		}
	}
	got["db"] = "//x:y"
	if _, ok, _ := m.TargetOf("db"); ok {
		t.Fatal("mutating the returned map must not change the manifest")
	}
}

func TestServicesForSharedTarget(t *testing.T) {
	m := loadSample(t)
	for _, ref := range []target.Ref{"//svc:api", "//svc:api.digest"} {
		got := strings.Join(m.ServicesFor(ref), ",")
		if got != "api,api-shadow" {
			t.Fatalf("services for %s: got %q", ref, got)
		}
	}
	if got := m.ServicesFor("//svc/worker:worker"); len(got) != 1 || got[0] != "worker" {
		t.Fatalf("unexpected services for worker: %v", got)
	}
	if got := m.ServicesFor("//other:thing"); len(got) != 0 {
		t.Fatalf("expected no services, got %v", got)
	}
}

func TestTargets(t *testing.T) {
	m := loadSample(t)
	got := m.Targets()
	if len(got) != 2 || got[0] != "//svc/worker" || got[1] != "//svc:api" {
		t.Fatalf("unexpected targets %v", got)
	}
}

func TestSetImageAndSave(t *testing.T) {
	m := loadSample(t)
	if err := m.SetImage("api", "bazel/svc:api"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetImage("tools", "bazel/tools:latest"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetImage("nope", "x"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if img, _ := m.Image("api"); img != "bazel/svc:api" {
		t.Fatalf("unexpected working image %q", img)
	}
	// Lookups keep using the loaded targets.
	if ref, _, _ := m.TargetOf("api"); ref != "//svc:api" {
		t.Fatalf("target changed after SetImage: %q", ref)
	}

	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(m.Files().OutputPath())
	if err != nil {
		t.Fatal(err)
	}
	out := string(raw)
	for _, want := range []string{
		"# local stack",
		"image: bazel/svc:api # built by bazel",
		"image: //svc:api.digest",
		"image: postgres:16",
		"image: bazel/tools:latest",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("generated manifest missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "api:") > strings.Index(out, "db:") {
		t.Fatalf("expected key order to be kept:\n%s", out)
	}

	reloaded, err := ParseManifest(m.Files(), raw)
	if err != nil {
		t.Fatalf("generated manifest does not parse: %v", err)
	}
	if _, ok, _ := reloaded.TargetOf("api"); ok {
		t.Fatal("expected api to use a plain image in the generated file")
	}
}

func TestComposeFiles(t *testing.T) {
	m := loadSample(t)
	if got := m.ComposeFiles(); len(got) != 0 {
		t.Fatalf("expected no compose files yet, got %v", got)
	}
	if err := os.WriteFile(m.Files().BasePath(), []byte("services: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	got := m.ComposeFiles()
	if len(got) != 2 || got[0] != m.Files().BasePath() || got[1] != m.Files().OutputPath() {
		t.Fatalf("unexpected compose files %v", got)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	if _, err := LoadManifest(DefaultFiles(t.TempDir())); err == nil {
		t.Fatal("expected error for missing manifest")
	}
	cases := map[string]string{
		"not yaml":       "services: [",
		"no services":    "version: '3'\n",
		"image not text": "services:\n  api:\n    image: [1]\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, content))
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
	_, err := LoadManifest(writeManifest(t, "services:\n  api:\n    image: '//svc:a:b'\n"))
	if !errors.Is(err, target.ErrInvalidTargetRef) {
		t.Fatalf("expected ErrInvalidTargetRef, got %v", err)
	}
}
