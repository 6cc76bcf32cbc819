// Copyright 2025 Joseph Cumines

//go:build linux

package peer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func socketCredentials(fd int) (Credentials, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{PID: int(ucred.Pid), UID: ucred.Uid, GID: ucred.Gid}, nil
}

func executablePath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}
