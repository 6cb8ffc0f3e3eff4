//go:build linux

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sakif/cellrunner/internal/executor/governor"
)

// cgroup is the per-run cgroup v2 directory. The helper is cloned directly
// into it through its directory fd, so no process ever runs outside it.
type cgroup struct {
	path string
	fd   int
}

func newCgroup(root, id string, l governor.Limits) (*cgroup, error) {
	path := filepath.Join(root, "run-"+id)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &cgroup{path: path, fd: -1}

	values := []struct {
		file, value string
		optional    bool
	}{
		{"memory.max", strconv.FormatInt(l.MemoryBytes, 10), false},
		{"memory.swap.max", "0", true},
		{"pids.max", strconv.FormatInt(l.MaxProcesses, 10), false},
	}
	for _, v := range values {
		if err := cg.write(v.file, v.value); err != nil && !v.optional {
			_ = os.Remove(path)
			return nil, err
		}
	}

	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.fd = fd
	return cg, nil
}

func (c *cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write cgroup %s: %w", file, err)
	}
	return nil
}

// kill terminates every process in the cgroup, including ones that left the
// process group.
func (c *cgroup) kill() {
	_ = c.write("cgroup.kill", "1")
}

// oomKilled reports whether the kernel OOM killer fired inside the cgroup.
func (c *cgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

// remove deletes the cgroup once its processes are gone.
func (c *cgroup) remove() error {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		if err = os.Remove(c.path); err == nil || os.IsNotExist(err) {
			return nil
		}
		c.kill()
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup: %w", err)
}
