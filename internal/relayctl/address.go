package relayctl

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// EnvHostID carries the owning window's host identifier into shells it
	// spawns, so sessions started there find the same relay.
	EnvHostID = "TERMBUS_HOST_ID"
	// EnvSocket overrides the derived relay socket path.
	EnvSocket = "TERMBUS_SOCKET"
)

// ErrNoHost reports that no relay address could be derived.
var ErrNoHost = errors.New("no relay host: set --host, TERMBUS_HOST_ID or TERMBUS_SOCKET")

// SocketPath derives the relay socket for hostID inside runtimeDir. The same
// host id always yields the same path, so each window gets its own relay.
func SocketPath(runtimeDir, hostID string) string {
	sum := sha256.Sum256([]byte(hostID))
	return filepath.Join(runtimeDir, "termbus-"+hex.EncodeToString(sum[:])[:16]+".sock")
}

// ResolveHostID picks the host identifier: an explicit value, then
// TERMBUS_HOST_ID, then fallbackPID when positive.
func ResolveHostID(explicit string, fallbackPID int) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}
	if id := strings.TrimSpace(os.Getenv(EnvHostID)); id != "" {
		return id
	}
	if fallbackPID > 0 {
		return strconv.Itoa(fallbackPID)
	}
	return ""
}

// Address describes where a client should find its relay.
type Address struct {
	Socket string
	HostID string
}

// Resolve determines the relay socket. An explicit socket wins, then
// TERMBUS_SOCKET, then a path derived from the host id. Windows pass their
// own pid as fallbackPID; sessions pass 0 and must inherit an address.
func Resolve(runtimeDir, socket, hostID string, fallbackPID int) (Address, error) {
	host := ResolveHostID(hostID, fallbackPID)
	if s := strings.TrimSpace(socket); s != "" {
		return Address{Socket: s, HostID: host}, nil
	}
	if s := strings.TrimSpace(os.Getenv(EnvSocket)); s != "" {
		return Address{Socket: s, HostID: host}, nil
	}
	if host == "" {
		return Address{}, ErrNoHost
	}
	return Address{Socket: SocketPath(runtimeDir, host), HostID: host}, nil
}

// Env returns the environment entries that point a child process at addr.
func (a Address) Env() []string {
	env := []string{EnvSocket + "=" + a.Socket}
	if a.HostID != "" {
		env = append(env, EnvHostID+"="+a.HostID)
	}
	return env
}
