// Package device issues the stable per-installation device identifier used
// to enforce the single-active-device session policy.
package device

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const idFileName = "device_id"

// Identity owns the device identifier for one installation. The id is
// generated once, persisted under the app's config directory, and immutable
// for the lifetime of that directory.
type Identity struct {
	dir string

	mu sync.Mutex
	id string
}

// New creates an Identity persisting under dir. An empty dir selects
// <user-config-dir>/cinelane.
func New(dir string) *Identity {
	if dir == "" {
		if base, err := os.UserConfigDir(); err == nil {
			dir = filepath.Join(base, "cinelane")
		} else {
			dir = ".cinelane"
		}
	}
	return &Identity{dir: dir}
}

// DeviceID returns the stored identifier, generating and persisting a new
// one on first use. Persistence failure is tolerated - the id still serves
// the current process, it just won't survive a restart.
func (i *Identity) DeviceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id
	}

	path := filepath.Join(i.dir, idFileName)
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			i.id = id
			return i.id
		}
	}

	i.id = generate()
	if err := os.MkdirAll(i.dir, 0o700); err != nil {
		slog.Warn("device: cannot create config dir", "dir", i.dir, "error", err)
		return i.id
	}
	// Atomic write so a crash never leaves a truncated id behind.
	if err := renameio.WriteFile(path, []byte(i.id+"\n"), 0o600); err != nil {
		slog.Warn("device: cannot persist device id", "path", path, "error", err)
	}
	return i.id
}

// generate prefers a crypto-random UUID and falls back to a timestamp plus
// random composite when secure randomness is unavailable.
func generate() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("dev-%d-%06d", time.Now().UnixNano(), rand.Intn(1_000_000))
}
