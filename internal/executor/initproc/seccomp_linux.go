//go:build linux && cgo

package initproc

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const seccompSupported = true

// deniedSyscalls fail with EPERM inside the sandbox. Names unknown to the
// running kernel or libseccomp are skipped.
var deniedSyscalls = []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"mount", "umount2", "pivot_root", "chroot",
	"unshare", "setns",
	"kexec_load", "kexec_file_load", "reboot",
	"init_module", "finit_module", "delete_module",
	"bpf", "perf_event_open", "userfaultfd",
	"keyctl", "add_key", "request_key",
	"swapon", "swapoff", "acct",
}

// deniedFamilies are the socket families refused when the network is off.
// AF_UNIX stays available for multiprocessing.
var deniedFamilies = []uint64{unix.AF_INET, unix.AF_INET6, unix.AF_PACKET, unix.AF_NETLINK}

func applySeccomp(allowNetwork bool) error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	deny := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))

	for _, name := range deniedSyscalls {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRule(call, deny); err != nil {
			return fmt.Errorf("add seccomp rule %s: %w", name, err)
		}
	}

	if !allowNetwork {
		socket, err := seccomp.GetSyscallFromName("socket")
		if err != nil {
			return fmt.Errorf("resolve socket syscall: %w", err)
		}
		for _, family := range deniedFamilies {
			cond, err := seccomp.MakeCondition(0, seccomp.CompareEqual, family)
			if err != nil {
				return fmt.Errorf("build seccomp condition: %w", err)
			}
			if err := filter.AddRuleConditional(socket, deny, []seccomp.ScmpCondition{cond}); err != nil {
				return fmt.Errorf("add seccomp socket rule: %w", err)
			}
		}
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
