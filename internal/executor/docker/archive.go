package docker

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sakif/cellrunner/internal/executor/harness"
)

// runtimeArchive packs the harness runtime for CopyToContainer at
// SandboxRoot. Entries are owned by nobody so the bootstrap can write its
// report next to them.
func runtimeArchive(code string) (io.Reader, error) {
	files, err := harness.Files(code)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dirs := []struct {
		name string
		mode int64
	}{
		{harness.RuntimeDirName + "/", 0o755},
		{harness.RuntimeDirName + "/mpl/", 0o777},
	}
	for _, d := range dirs {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d.name,
			Mode:     d.mode,
			Uid:      nobody,
			Gid:      nobody,
			ModTime:  now,
		}); err != nil {
			return nil, fmt.Errorf("archiving runtime: %w", err)
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(harness.RuntimeDirName, name),
			Mode:     0o644,
			Size:     int64(len(data)),
			Uid:      nobody,
			Gid:      nobody,
			ModTime:  now,
		}); err != nil {
			return nil, fmt.Errorf("archiving runtime: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("archiving runtime: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archiving runtime: %w", err)
	}
	return &buf, nil
}

var errCopyLimit = errors.New("copy limit reached")

// extractArchive unpacks the tar stream returned by CopyFromContainer into
// dest. Only regular files and directories are materialized; links, devices
// and paths escaping dest are ignored. Modification times are preserved so
// artifact order survives the copy. At most limit bytes are written.
func extractArchive(r io.Reader, dest, stripPrefix string, limit int64) error {
	tr := tar.NewReader(r)
	var written int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading container archive: %w", err)
		}

		name := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		if stripPrefix != "" {
			if name == stripPrefix {
				continue
			}
			name = strings.TrimPrefix(name, stripPrefix+"/")
		}
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if rel, err := filepath.Rel(dest, target); err != nil || strings.HasPrefix(rel, "..") {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
		case tar.TypeReg:
			if written+hdr.Size > limit {
				return errCopyLimit
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
			n, err := io.Copy(f, io.LimitReader(tr, hdr.Size))
			f.Close()
			if err != nil {
				return fmt.Errorf("extracting %s: %w", name, err)
			}
			written += n
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
	}
}
