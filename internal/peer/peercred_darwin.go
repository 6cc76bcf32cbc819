// Copyright 2025 Joseph Cumines

//go:build darwin

package peer

import (
	"errors"

	"golang.org/x/sys/unix"
)

func socketCredentials(fd int) (Credentials, error) {
	xucred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return Credentials{}, err
	}
	pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{PID: pid, UID: xucred.Uid}
	if xucred.Ngroups > 0 {
		creds.GID = xucred.Groups[0]
	}
	return creds, nil
}

// executablePath needs proc_pidpath, which is not reachable without cgo.
func executablePath(int) (string, error) {
	return "", errors.New("executable path lookup not supported on darwin")
}
