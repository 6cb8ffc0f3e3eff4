// Package visual turns image files left in a scratch directory into
// transmittable artifacts.
//
// Detection is based on what was actually written: a file counts only if its
// content sniffs as a recognized image type. File names and the submitted
// source are never consulted.
package visual

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	// Decoders used to validate raster artifacts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

// Kind is the fixed set of artifact types exposed to callers.
type Kind string

const (
	KindMatplotlib Kind = "matplotlib"
	KindImage      Kind = "image"
)

// Artifact is one extracted visualization.
type Artifact struct {
	Kind    Kind
	Name    string // path relative to the scratch directory
	MIME    string
	Payload []byte
}

// Options bound the extraction.
type Options struct {
	// FiguresDir is the subdirectory the plotting hook writes into. Images
	// found there are reported as KindMatplotlib.
	FiguresDir string
	// SkipDirs are never descended into.
	SkipDirs []string
	// MaxArtifacts caps the number of returned artifacts.
	MaxArtifacts int
	// MaxFileBytes skips files larger than this.
	MaxFileBytes int64
	// MaxEntries caps the number of directory entries examined.
	MaxEntries int
}

// DefaultOptions returns the limits used by the engine.
func DefaultOptions() Options {
	return Options{
		FiguresDir:   "figures",
		MaxArtifacts: 16,
		MaxFileBytes: 8 * humanize.MiByte,
		MaxEntries:   2048,
	}
}

// Skipped describes a candidate file that was not turned into an artifact.
type Skipped struct {
	Name   string
	Reason string
}

var errStopWalk = errors.New("visual: entry limit reached")

// rasterTypes must decode with a registered image decoder to be kept.
var rasterTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// unvalidatedTypes are kept on their content signature alone.
var unvalidatedTypes = map[string]bool{
	"image/svg+xml": true,
}

type candidate struct {
	rel     string
	abs     string
	info    fs.FileInfo
	modTime time.Time
}

// Extract scans root and returns the recognized images in creation order
// (modification time, then name). Files that cannot be read, are too large,
// or do not decode are reported in skipped and otherwise ignored. The only
// error returned is failure to read root itself.
func Extract(root string, opts Options) (artifacts []Artifact, skipped []Skipped, err error) {
	if _, err := os.Lstat(root); err != nil {
		return nil, nil, fmt.Errorf("visual: %w", err)
	}

	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[filepath.Clean(d)] = true
	}

	var candidates []candidate
	entries := 0
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are ignored.
			if p == root {
				return err
			}
			return nil
		}
		if opts.MaxEntries > 0 {
			entries++
			if entries > opts.MaxEntries {
				return errStopWalk
			}
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != root && skip[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		// Symlinks and devices are never followed or read.
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		candidates = append(candidates, candidate{rel: filepath.ToSlash(rel), abs: p, info: info, modTime: info.ModTime()})
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errStopWalk) {
		return nil, nil, fmt.Errorf("visual: walking %s: %w", root, walkErr)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.Before(candidates[j].modTime)
		}
		return candidates[i].rel < candidates[j].rel
	})

	figuresPrefix := strings.Trim(filepath.ToSlash(opts.FiguresDir), "/") + "/"
	for _, c := range candidates {
		if opts.MaxArtifacts > 0 && len(artifacts) >= opts.MaxArtifacts {
			skipped = append(skipped, Skipped{Name: c.rel, Reason: "artifact limit reached"})
			continue
		}
		if opts.MaxFileBytes > 0 && c.info.Size() > opts.MaxFileBytes {
			skipped = append(skipped, Skipped{Name: c.rel, Reason: "larger than " + humanize.IBytes(uint64(opts.MaxFileBytes))})
			continue
		}

		data, err := readRegular(c.abs, c.info, opts.MaxFileBytes)
		if err != nil {
			skipped = append(skipped, Skipped{Name: c.rel, Reason: err.Error()})
			continue
		}
		mime := mimetype.Detect(data)
		base := mime.String()
		if i := strings.IndexByte(base, ';'); i >= 0 {
			base = base[:i]
		}
		if !rasterTypes[base] && !unvalidatedTypes[base] {
			// Not an image. Non-image files are silently ignored.
			continue
		}
		if rasterTypes[base] {
			if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
				skipped = append(skipped, Skipped{Name: c.rel, Reason: "malformed " + base})
				continue
			}
		}

		kind := KindImage
		if opts.FiguresDir != "" && strings.HasPrefix(c.rel, figuresPrefix) {
			kind = KindMatplotlib
		}
		artifacts = append(artifacts, Artifact{
			Kind:    kind,
			Name:    c.rel,
			MIME:    base,
			Payload: data,
		})
	}
	return artifacts, skipped, nil
}

// readRegular reads a file only if it is still the regular file that was
// listed, so a path swapped for a symlink after the walk is rejected.
func readRegular(path string, listed fs.FileInfo, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New("unreadable")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() || !os.SameFile(st, listed) {
		return nil, errors.New("file changed during extraction")
	}

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.New("unreadable")
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errors.New("grew during extraction")
	}
	return data, nil
}
