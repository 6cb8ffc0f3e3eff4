package process

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Config holds the settings of the process backend.
type Config struct {
	// Interpreter is the Python executable, resolved against PATH.
	Interpreter string
	// ScratchRoot is where per-execution directories are created.
	ScratchRoot string
	// HelperPath is the binary re-executed as the sandbox helper. Empty means
	// the running executable.
	HelperPath string

	// EnableNamespaces runs the helper in new user, mount, pid, ipc, uts and
	// (unless the network is allowed) network namespaces.
	EnableNamespaces bool
	// EnableSeccomp installs the syscall filter. Requires a cgo build.
	EnableSeccomp bool
	// EnableCgroup places every run in its own cgroup v2 under CgroupRoot,
	// which must exist and be delegated to this process.
	EnableCgroup bool
	CgroupRoot   string

	// Insecure allows running without namespaces. The cell then sees the
	// host filesystem and network with the server's permissions, so it is
	// only meant for development hosts where user namespaces are missing.
	Insecure bool

	// MaskPaths are hidden from the sandbox when namespaces are enabled.
	MaskPaths []string

	// UID and GID run the interpreter as a dedicated user. -1 keeps the
	// server's identity.
	UID int
	GID int

	// AddressSpaceHeadroom is added to the memory limit for RLIMIT_AS, which
	// counts mappings the interpreter never touches.
	AddressSpaceHeadroom int64
	OpenFiles            uint64
}

// DefaultConfig returns settings that work unprivileged on Linux hosts with
// user namespaces enabled. Cgroups stay off because they need a delegated
// subtree.
func DefaultConfig() Config {
	return Config{
		Interpreter:      "python3",
		ScratchRoot:      filepath.Join(os.TempDir(), "cellrunner"),
		EnableNamespaces: true,
		EnableSeccomp:    true,
		MaskPaths: []string{
			"/home", "/root", "/tmp", "/var", "/run", "/mnt", "/media", "/srv",
		},
		UID:                  -1,
		GID:                  -1,
		AddressSpaceHeadroom: 256 * humanize.MiByte,
		OpenFiles:            256,
	}
}
