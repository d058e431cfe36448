// Package roles persists the session-id -> role assignment.
//
// The file is the source of truth across restarts. Every change is flushed
// synchronously via write-whole-temp-file-then-rename so a crash mid-write
// never leaves a truncated file behind.
package roles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"msgfleet/pkg/logx"
)

// Role is the behavioral tag of a session.
type Role string

const (
	// RoleBulkSender sessions carry outbound campaigns.
	RoleBulkSender Role = "bulk-sender"
	// RoleAnswerer sessions serve chatbot Q&A.
	RoleAnswerer Role = "answerer"
)

func (r Role) Valid() bool {
	return r == RoleBulkSender || r == RoleAnswerer
}

var ErrUnknownRole = errors.New("unknown role")

type Registry struct {
	path string
	log  logx.Logger

	mu    sync.Mutex
	roles map[int]Role
}

// Open loads the registry file (if present) and fills in defaults for any of
// the given session ids that have no stored role: the first half of the slots
// become bulk senders, the remainder answerers.
func Open(path string, sessions int, log logx.Logger) (*Registry, error) {
	if path == "" {
		return nil, errors.New("roles: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{path: path, log: log, roles: map[int]Role{}}

	if err := r.load(); err != nil {
		return nil, err
	}

	changed := false
	for id := 1; id <= sessions; id++ {
		if _, ok := r.roles[id]; ok {
			continue
		}
		if id <= sessions/2 {
			r.roles[id] = RoleBulkSender
		} else {
			r.roles[id] = RoleAnswerer
		}
		changed = true
	}
	if changed {
		if err := r.save(); err != nil {
			return nil, err
		}
		log.Info("assigned default session roles", logx.Int("sessions", sessions))
	}
	return r, nil
}

func (r *Registry) load() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("roles: read %s: %w", r.path, err)
	}
	raw := map[string]Role{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("roles: parse %s: %w", r.path, err)
	}
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil || !v.Valid() {
			r.log.Warn("skipping bad roles entry", logx.String("key", k), logx.String("role", string(v)))
			continue
		}
		r.roles[id] = v
	}
	return nil
}

// save writes the whole file then renames it into place. Callers hold r.mu
// (or have exclusive access during Open).
func (r *Registry) save() error {
	raw := make(map[string]Role, len(r.roles))
	for id, role := range r.roles {
		raw[strconv.Itoa(id)] = role
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".roles-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, r.path)
}

func (r *Registry) Role(id int) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	return role, ok
}

// Set stores and flushes the role for a session. The pool is responsible for
// guarding when a change is allowed; the registry only validates the value.
func (r *Registry) Set(id int, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.roles[id]
	r.roles[id] = role
	if err := r.save(); err != nil {
		// keep memory consistent with disk
		if had {
			r.roles[id] = prev
		} else {
			delete(r.roles, id)
		}
		return err
	}
	return nil
}

// All returns a copy of the current assignment.
func (r *Registry) All() map[int]Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]Role, len(r.roles))
	for id, role := range r.roles {
		out[id] = role
	}
	return out
}

// IDs returns the session ids carrying the given role, ascending.
func (r *Registry) IDs(role Role) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for id, got := range r.roles {
		if got == role {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}
