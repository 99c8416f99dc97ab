package copymeta

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// pendingFiles is the set of temp files this process is writing into
// metadata directories. A manifest write that never reaches its rename
// leaves its temp file here for CleanupTmpFiles.
type pendingFiles struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

var tmpFiles = &pendingFiles{paths: make(map[string]struct{})}

// create makes a new hidden temp file next to name in dir and tracks it.
func (p *pendingFiles) create(dir, name string) (*os.File, error) {
	path := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()[:8]))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	p.mu.Lock()
	p.paths[path] = struct{}{}
	p.mu.Unlock()
	return f, nil
}

// release stops tracking path and removes it if it still exists.
func (p *pendingFiles) release(path string) {
	p.mu.Lock()
	delete(p.paths, path)
	p.mu.Unlock()
	_ = os.Remove(path)
}

func (p *pendingFiles) drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := slices.Collect(maps.Keys(p.paths))
	clear(p.paths)
	return paths
}

// CleanupTmpFiles removes temp files left by metadata writes that did not
// finish, and reports how many it removed.
func CleanupTmpFiles() int {
	removed := 0
	for _, path := range tmpFiles.drain() {
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed
}
