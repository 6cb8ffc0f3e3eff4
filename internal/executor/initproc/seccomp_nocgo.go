//go:build linux && !cgo

package initproc

import "errors"

const seccompSupported = false

func applySeccomp(bool) error {
	return errors.New("seccomp filtering requires a cgo build with libseccomp")
}
