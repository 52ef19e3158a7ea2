// Package workspace maps project ids to directories on this host.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/logutil"
	"gopkg.in/yaml.v3"
)

// Resolver returns the workspace directory for a project, or false when the
// project is unknown or its directory does not exist.
type Resolver interface {
	Resolve(projectID string) (string, bool)
}

// projectsFile is the YAML layout of PROJECTS_FILE:
//
//	projects:
//	  web-app: /srv/workspaces/web-app
//	  api: /srv/workspaces/api
type projectsFile struct {
	Projects map[string]string `yaml:"projects"`
}

// StaticResolver resolves through, in order: the projects table, the YAML
// projects file, and <root>/<projectID>.
type StaticResolver struct {
	root    string
	useDB   bool
	mu      sync.RWMutex
	entries map[string]string
}

// NewStaticResolver builds a resolver. projectsPath and root may be empty.
func NewStaticResolver(root, projectsPath string, useDB bool) (*StaticResolver, error) {
	r := &StaticResolver{root: root, useDB: useDB, entries: map[string]string{}}
	if projectsPath != "" {
		if err := r.LoadFile(projectsPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadFile replaces the file-backed entries with the contents of path.
func (r *StaticResolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read projects file: %w", err)
	}
	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse projects file: %w", err)
	}
	r.mu.Lock()
	r.entries = make(map[string]string, len(pf.Projects))
	for id, p := range pf.Projects {
		r.entries[id] = p
	}
	r.mu.Unlock()
	log.Printf("[workspace] loaded %d projects from %s", len(pf.Projects), path)
	return nil
}

func (r *StaticResolver) Resolve(projectID string) (string, bool) {
	if projectID == "" || !validProjectID(projectID) {
		return "", false
	}

	if r.useDB && database.DB != nil {
		if p, err := database.GetProjectPath(projectID); err == nil {
			if isDir(p) {
				return p, true
			}
		} else if !database.IsNotFound(err) {
			log.Printf("[workspace] lookup %s: %v", logutil.SanitizeForLog(projectID), err)
		}
	}

	r.mu.RLock()
	p, ok := r.entries[projectID]
	r.mu.RUnlock()
	if ok && isDir(p) {
		return p, true
	}

	if r.root != "" {
		p := filepath.Join(r.root, projectID)
		if isDir(p) {
			return p, true
		}
	}
	return "", false
}

// validProjectID rejects ids that could escape the workspace root.
func validProjectID(id string) bool {
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsRune(id, 0)
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
