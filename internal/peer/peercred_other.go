// Copyright 2025 Joseph Cumines

//go:build !linux && !darwin

package peer

import "errors"

func socketCredentials(int) (Credentials, error) {
	return Credentials{}, ErrNoCredentials
}

func executablePath(int) (string, error) {
	return "", errors.New("executable path lookup not supported on this platform")
}
