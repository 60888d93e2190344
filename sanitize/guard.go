package sanitize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
)

// Guard confines names to a single storage root.
type Guard struct {
	root string
}

// NewGuard creates root if needed and remembers its canonical form.
func NewGuard(root string) (*Guard, error) {
	if root == "" {
		return nil, errors.New("sanitize: empty root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Guard{root: canonical}, nil
}

func (g *Guard) Root() string {
	return g.root
}

// Resolve joins name with the root and returns the absolute path, or a
// containment error if the canonical result is not strictly inside the root.
// An existing target is resolved through symlinks; a missing one is checked
// through its parent directory.
func (g *Guard) Resolve(name string) (string, error) {
	if name == "" {
		return "", apperror.Containment(RulePathTraversal, "empty path")
	}

	joined := filepath.Join(g.root, name)
	if !Within(g.root, joined) {
		return "", apperror.Containment(RulePathTraversal, "path escapes storage root")
	}

	canonical, err := canonicalize(joined)
	if err != nil {
		return "", apperror.IO("resolve path", err)
	}
	if !Within(g.root, canonical) {
		return "", apperror.Containment(RulePathTraversal, "path escapes storage root")
	}
	return joined, nil
}

// Sanitize applies Clean and Resolve.
func (g *Guard) Sanitize(raw string) (name, path string, modified bool, err error) {
	name, modified, err = Clean(raw)
	if err != nil {
		return "", "", false, err
	}
	path, err = g.Resolve(name)
	if err != nil {
		return "", "", false, err
	}
	return name, path, modified, nil
}

func canonicalize(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent, err := canonicalize(filepath.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(p)), nil
}

// Within reports whether p is a strict descendant of root. Both must be
// absolute and clean.
func Within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
