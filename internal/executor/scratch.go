package executor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Scratch is the per-execution directory, the only location the sandboxed
// code may write to.
type Scratch struct {
	Dir string
}

// NewScratch creates a fresh, empty directory named id under root.
func NewScratch(root, id string) (*Scratch, error) {
	if err := os.MkdirAll(root, 0o711); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	dir := filepath.Join(root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &Scratch{Dir: dir}, nil
}

// Remove deletes the directory and everything in it. Directories the code
// made unwritable are opened up first.
func (s *Scratch) Remove() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.Dir); err == nil {
		return nil
	}
	_ = filepath.WalkDir(s.Dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("removing scratch dir: %w", err)
	}
	return nil
}
