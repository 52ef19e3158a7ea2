package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gluk-w/termhub/internal/database"
	"gorm.io/gorm/logger"
)

func TestResolve_RootFallback(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "demo"), 0755); err != nil {
		t.Fatal(err)
	}

	r, err := NewStaticResolver(root, "", false)
	if err != nil {
		t.Fatalf("NewStaticResolver: %v", err)
	}

	got, ok := r.Resolve("demo")
	if !ok || got != filepath.Join(root, "demo") {
		t.Errorf("Resolve(demo) = %q, %v", got, ok)
	}
	if _, ok := r.Resolve("missing"); ok {
		t.Error("expected missing project to be unresolved")
	}
}

func TestResolve_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	r, _ := NewStaticResolver(filepath.Join(root, "ws"), "", false)

	for _, id := range []string{"..", ".", "../etc", "a/b", `a\b`, ""} {
		if p, ok := r.Resolve(id); ok {
			t.Errorf("Resolve(%q) = %q, expected rejection", id, p)
		}
	}
}

func TestResolve_ProjectsFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "checkout")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "projects.yaml")
	content := "projects:\n  web: " + target + "\n  gone: " + filepath.Join(dir, "nope") + "\n"
	if err := os.WriteFile(file, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewStaticResolver("", file, false)
	if err != nil {
		t.Fatalf("NewStaticResolver: %v", err)
	}
	if got, ok := r.Resolve("web"); !ok || got != target {
		t.Errorf("Resolve(web) = %q, %v", got, ok)
	}
	if _, ok := r.Resolve("gone"); ok {
		t.Error("expected project with missing directory to be unresolved")
	}
}

func TestResolve_BadProjectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "projects.yaml")
	os.WriteFile(file, []byte("projects: [unterminated"), 0644)
	if _, err := NewStaticResolver("", file, false); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolve_DatabaseFirst(t *testing.T) {
	db, err := database.Open(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	database.DB = db
	defer func() {
		database.Close()
		database.DB = nil
	}()

	root := t.TempDir()
	fromRoot := filepath.Join(root, "p1")
	fromDB := filepath.Join(root, "elsewhere")
	os.Mkdir(fromRoot, 0755)
	os.Mkdir(fromDB, 0755)

	if err := database.SetProjectPath("p1", fromDB); err != nil {
		t.Fatalf("SetProjectPath: %v", err)
	}

	r, _ := NewStaticResolver(root, "", true)
	if got, ok := r.Resolve("p1"); !ok || got != fromDB {
		t.Errorf("Resolve(p1) = %q, %v; want %q", got, ok, fromDB)
	}
}
