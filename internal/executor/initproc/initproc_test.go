package initproc_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/executor/initproc"
)

func TestRequest_RoundTrip(t *testing.T) {
	req := initproc.Request{
		Argv:       []string{"/usr/bin/python3", "-I", "/scratch/.runtime/bootstrap.py"},
		Env:        []string{"HOME=/scratch"},
		Dir:        "/scratch",
		Limits:     initproc.Rlimits{AddressSpace: 1 << 30, CPUSeconds: 6, FileSize: 1 << 24},
		Seccomp:    true,
		Namespaces: true,
		MaskPaths:  []string{"/home", "/root"},
	}

	var buf bytes.Buffer
	require.NoError(t, initproc.Encode(&buf, req))
	got, err := initproc.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     initproc.Request
		wantErr bool
	}{
		{"ok", initproc.Request{Argv: []string{"/bin/true"}, Dir: "/tmp"}, false},
		{"no argv", initproc.Request{Dir: "/tmp"}, true},
		{"empty argv0", initproc.Request{Argv: []string{""}, Dir: "/tmp"}, true},
		{"no dir", initproc.Request{Argv: []string{"/bin/true"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := initproc.Decode(bytes.NewBufferString("not json"))
	assert.Error(t, err)
}

func TestInvoked(t *testing.T) {
	t.Setenv(initproc.EnvMarker, "")
	assert.False(t, initproc.Invoked())
	t.Setenv(initproc.EnvMarker, "1")
	assert.True(t, initproc.Invoked())
}
