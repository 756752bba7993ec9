//go:build linux

package runner

import (
	"os"
	"syscall"
)

func sysProcAttr(mode Isolation, root string) (*syscall.SysProcAttr, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	attr := &syscall.SysProcAttr{Chroot: root, Setpgid: true}
	if mode == IsolationChroot {
		return attr, nil
	}
	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr, nil
}
