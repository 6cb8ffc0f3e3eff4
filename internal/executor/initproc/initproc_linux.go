//go:build linux

package initproc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func run() error {
	// The status pipe must not survive into the interpreter.
	unix.CloseOnExec(StatusFD)

	req, err := Decode(os.Stdin)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := redirectStdin(); err != nil {
		return err
	}

	if req.Namespaces {
		if err := setupMounts(req); err != nil {
			return err
		}
	}

	if err := os.Chdir(req.Dir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(req.Limits); err != nil {
		return err
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if req.Seccomp {
		if err := applySeccomp(req.AllowNetwork); err != nil {
			return err
		}
	}

	return unix.Exec(req.Argv[0], req.Argv, req.Env)
}

// redirectStdin detaches the interpreter from the request pipe.
func redirectStdin() error {
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer devnull.Close()
	if err := unix.Dup2(int(devnull.Fd()), 0); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return nil
}

// setupMounts runs inside the new mount namespace. It hides MaskPaths behind
// empty read-only tmpfs mounts, keeps the scratch directory reachable at its
// original path even when it lives below a masked path, makes every other
// mount read-only and mounts a /proc that only shows the sandbox's pid
// namespace.
func setupMounts(req Request) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}

	// Held across the masking so the scratch directory can be bound back.
	scratchFD, err := unix.Open(req.Dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open scratch dir: %w", err)
	}
	defer unix.Close(scratchFD)

	var masked []string
	for _, p := range req.MaskPaths {
		info, err := os.Lstat(p)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := unix.Mount("tmpfs", p, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "size=64k,mode=755"); err != nil {
			return fmt.Errorf("mask %s: %w", p, err)
		}
		masked = append(masked, p)
	}

	if under(req.Dir, masked) {
		if err := os.MkdirAll(req.Dir, 0o755); err != nil {
			return fmt.Errorf("recreate scratch mountpoint: %w", err)
		}
	}
	src := fmt.Sprintf("/proc/self/fd/%d", scratchFD)
	if err := unix.Mount(src, req.Dir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind scratch dir: %w", err)
	}

	for _, p := range masked {
		if err := unix.Mount("", p, "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "size=64k,mode=755"); err != nil {
			return fmt.Errorf("remount %s read-only: %w", p, err)
		}
	}

	if err := remountReadOnly(req.Dir); err != nil {
		return err
	}

	// A fresh /proc is refused when the host has parts of it overmounted.
	// The inherited /proc then stays in place.
	err = unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
	if err != nil && !errors.Is(err, unix.EBUSY) && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

// remountReadOnly bind-remounts every mount point read-only except writable
// and the mounts below it. /proc is skipped because it is replaced next.
// Mounts hidden by a mask no longer resolve and are skipped too.
func remountReadOnly(writable string) error {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return fmt.Errorf("read mountinfo: %w", err)
	}
	for _, mp := range mountPoints(data) {
		if under(mp, []string{"/proc", writable}) {
			continue
		}
		err := remountPathReadOnly(mp)
		if err == nil {
			continue
		}
		if mp != "/" && (errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EINVAL)) {
			continue
		}
		return fmt.Errorf("remount %s read-only: %w", mp, err)
	}
	return nil
}

func remountPathReadOnly(mp string) error {
	// Flags a mount already carries are locked in a user namespace and must
	// be repeated in the remount.
	var st unix.Statfs_t
	if err := unix.Statfs(mp, &st); err != nil {
		return err
	}
	locked := uintptr(st.Flags) & (unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC |
		unix.MS_NOATIME | unix.MS_NODIRATIME | unix.MS_RELATIME)
	return unix.Mount("", mp, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|locked, "")
}

// mountPoints returns the mount point column of a mountinfo file.
func mountPoints(mountinfo []byte) []string {
	var out []string
	for _, line := range strings.Split(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		out = append(out, unescapeMountPath(fields[4]))
	}
	return out
}

// unescapeMountPath decodes the octal escapes (\040 for a space) the kernel
// uses in mountinfo paths.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func under(path string, dirs []string) bool {
	for _, d := range dirs {
		if rel, err := filepath.Rel(d, path); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return true
		}
	}
	return false
}

func applyRlimits(l Rlimits) error {
	set := func(name string, resource int, v uint64) error {
		if v == 0 {
			return nil
		}
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{}); err != nil {
		return fmt.Errorf("set rlimit core: %w", err)
	}
	if err := set("as", unix.RLIMIT_AS, l.AddressSpace); err != nil {
		return err
	}
	// The soft CPU limit raises SIGXCPU; the hard limit one second later
	// guarantees a SIGKILL.
	if l.CPUSeconds > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: l.CPUSeconds, Max: l.CPUSeconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if err := set("fsize", unix.RLIMIT_FSIZE, l.FileSize); err != nil {
		return err
	}
	if err := set("nofile", unix.RLIMIT_NOFILE, l.OpenFiles); err != nil {
		return err
	}
	// Last: lowering NPROC can make later setup steps fail under a shared uid.
	return set("nproc", unix.RLIMIT_NPROC, l.Processes)
}
