//go:build linux

package initproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMountPoints(t *testing.T) {
	mountinfo := `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
23 22 0:21 / /proc rw,nosuid,nodev,noexec,relatime shared:2 - proc proc rw
24 22 0:22 / /tmp rw,nosuid,nodev shared:3 - tmpfs tmpfs rw
25 22 0:23 / /mnt/my\040disk rw shared:4 - ext4 /dev/sdb1 rw
short line
`
	assert.Equal(t, []string{"/", "/proc", "/tmp", "/mnt/my disk"}, mountPoints([]byte(mountinfo)))
}

func TestUnescapeMountPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/plain", "/plain"},
		{`/a\040b`, "/a b"},
		{`/tab\011x`, "/tab\tx"},
		{`/back\134slash`, `/back\slash`},
		{`/trailing\04`, `/trailing\04`},
		{`/not\999octal`, `/not\999octal`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unescapeMountPath(tt.in), tt.in)
	}
}

func TestUnder(t *testing.T) {
	dirs := []string{"/proc", "/tmp/cellrunner/abc"}
	assert.True(t, under("/proc", dirs))
	assert.True(t, under("/proc/sys/fs/binfmt_misc", dirs))
	assert.True(t, under("/tmp/cellrunner/abc/sub", dirs))
	assert.False(t, under("/", dirs))
	assert.False(t, under("/tmp", dirs))
	assert.False(t, under("/procfs", dirs))
}
