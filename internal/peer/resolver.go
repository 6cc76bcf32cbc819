// Copyright 2025 Joseph Cumines
//
// Identity resolution from socket credentials and the parent process

package peer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// DefaultCacheSize bounds the number of executable digests kept.
const DefaultCacheSize = 128

// ErrNoCredentials is returned when the transport cannot supply peer
// credentials.
var ErrNoCredentials = errors.New("peer credentials unavailable")

// Credentials are the kernel-reported properties of a socket peer.
type Credentials struct {
	PID int
	UID uint32
	GID uint32
}

// exeKey identifies one version of an executable on disk.
type exeKey struct {
	path  string
	size  int64
	mtime int64
}

// Resolver turns transport credentials into identities. It is safe for
// concurrent use.
type Resolver struct {
	cache   *lru.Cache[exeKey, string]
	logger  *slog.Logger
	exePath func(pid int) (string, error)
	creds   func(conn net.Conn) (Credentials, error)
}

// NewResolver returns a resolver caching up to cacheSize executable digests.
func NewResolver(cacheSize int, logger *slog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[exeKey, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create executable digest cache: %w", err)
	}
	return &Resolver{
		cache:   cache,
		logger:  logger,
		exePath: executablePath,
		creds:   ReadCredentials,
	}, nil
}

// FromConn resolves the identity of the process on the other end of conn.
func (r *Resolver) FromConn(conn net.Conn) Identity {
	creds, err := r.creds(conn)
	if err != nil {
		r.logger.Warn("peer credentials unavailable", "error", err)
		return Unknown()
	}
	uid, gid := creds.UID, creds.GID
	id := Identity{PID: creds.PID, UID: &uid, GID: &gid, Trust: TrustCredential}
	if creds.PID <= 0 {
		// Credentials without a pid cannot be tied to an executable.
		id.PID = 0
		id.IdentityDigest = digest(id)
		return id
	}
	r.attachExecutable(&id)
	id.IdentityDigest = digest(id)
	return id
}

// FromParent resolves the identity of the parent process, the only peer in
// session mode.
func (r *Resolver) FromParent() Identity {
	return r.FromPID(os.Getppid())
}

// FromPID resolves an identity from a bare process id.
func (r *Resolver) FromPID(pid int) Identity {
	if pid <= 1 {
		return Unknown()
	}
	id := Identity{PID: pid, Trust: TrustPIDFallback}
	r.attachExecutable(&id)
	id.IdentityDigest = digest(id)
	return id
}

// attachExecutable hashes the executable of id.PID and upgrades trust to
// TrustExecutable on success.
func (r *Resolver) attachExecutable(id *Identity) {
	path, err := r.exePath(id.PID)
	if err != nil {
		r.logger.Debug("peer executable unavailable", "pid", id.PID, "error", err)
		return
	}
	sum, err := r.hashExecutable(path)
	if err != nil {
		r.logger.Debug("peer executable not hashed", "pid", id.PID, "path", path, "error", err)
		return
	}
	id.Executable = path
	id.ExecutableDigest = sum
	id.Trust = TrustExecutable
}

func (r *Resolver) hashExecutable(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}
	key := exeKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if sum, ok := r.cache.Get(key); ok {
		return sum, nil
	}

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	r.cache.Add(key, sum)
	return sum, nil
}

// ReadCredentials returns the kernel-reported credentials of the peer of a
// unix domain socket connection.
func ReadCredentials(conn net.Conn) (Credentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %T is not a unix socket", ErrNoCredentials, conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("peer syscall conn: %w", err)
	}
	var creds Credentials
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		creds, credErr = socketCredentials(int(fd))
	}); err != nil {
		return Credentials{}, fmt.Errorf("peer control: %w", err)
	}
	if credErr != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", credErr)
	}
	return creds, nil
}
