package docker

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/executor/harness"
)

func TestRuntimeArchive(t *testing.T) {
	r, err := runtimeArchive("print(1)")
	require.NoError(t, err)

	tr := tar.NewReader(r)
	seen := map[string]*tar.Header{}
	var cell []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[hdr.Name] = hdr
		if hdr.Name == ".runtime/"+harness.CellFile {
			cell, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
	}

	require.Contains(t, seen, ".runtime/")
	require.Contains(t, seen, ".runtime/mpl/")
	require.Contains(t, seen, ".runtime/"+harness.EntryFile)
	assert.Equal(t, "print(1)", string(cell))
	assert.Equal(t, int64(0o777), seen[".runtime/mpl/"].Mode)
	for name, hdr := range seen {
		assert.Equal(t, nobody, hdr.Uid, name)
		assert.Equal(t, nobody, hdr.Gid, name)
	}
}

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	modTime  time.Time
}

func buildTar(t *testing.T, entries []entry) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: 0o644, Linkname: e.linkname, ModTime: e.modTime}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestExtractArchive(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("strips the prefix and keeps mtimes", func(t *testing.T) {
		dest := t.TempDir()
		r := buildTar(t, []entry{
			{name: "scratch/", typeflag: tar.TypeDir},
			{name: "scratch/figures/", typeflag: tar.TypeDir},
			{name: "scratch/figures/figure-001.png", typeflag: tar.TypeReg, body: "png", modTime: stamp},
			{name: "scratch/out.txt", typeflag: tar.TypeReg, body: "hello", modTime: stamp},
		})
		require.NoError(t, extractArchive(r, dest, "scratch", 1<<20))

		data, err := os.ReadFile(filepath.Join(dest, "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		info, err := os.Stat(filepath.Join(dest, "figures", "figure-001.png"))
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(stamp))
	})

	t.Run("links and escapes are dropped", func(t *testing.T) {
		parent := t.TempDir()
		dest := filepath.Join(parent, "dest")
		require.NoError(t, os.Mkdir(dest, 0o755))

		r := buildTar(t, []entry{
			{name: "scratch/../../evil.txt", typeflag: tar.TypeReg, body: "x"},
			{name: "scratch/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
			{name: "scratch/hard", typeflag: tar.TypeLink, linkname: "/etc/passwd"},
		})
		require.NoError(t, extractArchive(r, dest, "scratch", 1<<20))

		_, err := os.Lstat(filepath.Join(parent, "evil.txt"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Lstat(filepath.Join(dest, "link"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Lstat(filepath.Join(dest, "hard"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("stops at the copy limit", func(t *testing.T) {
		dest := t.TempDir()
		r := buildTar(t, []entry{
			{name: "scratch/a", typeflag: tar.TypeReg, body: "12345"},
			{name: "scratch/b", typeflag: tar.TypeReg, body: "67890"},
		})
		err := extractArchive(r, dest, "scratch", 8)
		assert.ErrorIs(t, err, errCopyLimit)

		_, err = os.Stat(filepath.Join(dest, "a"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(dest, "b"))
		assert.True(t, os.IsNotExist(err))
	})
}
