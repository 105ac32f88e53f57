// Package relay implements the presence registry and message relay server.
// The server never interprets chat content; it tracks who is online and
// forwards frames between registered users.
package relay

import (
	"errors"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ephonelabs/relaychat/internal/util"
)

// Registration failure reasons. The router maps these to the user-facing
// register_error strings.
var (
	ErrMissingFields = errors.New("user id and nickname are required")
	ErrInvalidID     = errors.New("user id must be 3-20 chars of letters, digits or underscore")
	ErrCapacity      = errors.New("server is at capacity")
	ErrDuplicateID   = errors.New("user id is already taken")
)

var userIDRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)

const maxNicknameRunes = 20

// User is one registered presence entry. The registry owns the mapping
// from user id to connection; the connection owns the socket.
type User struct {
	ID           string
	Nickname     string
	Avatar       string
	Conn         *Conn
	RegisteredAt time.Time
}

// Row is a read-only snapshot of a User for the status page.
type Row struct {
	ID           string
	Nickname     string
	RegisteredAt time.Time
}

// Registry tracks registered users. All access is serialized under one
// mutex; handlers never hold the lock while writing to a socket.
type Registry struct {
	mu       sync.Mutex
	users    map[string]*User
	maxUsers int
}

func NewRegistry(maxUsers int) *Registry {
	return &Registry{
		users:    make(map[string]*User),
		maxUsers: maxUsers,
	}
}

// Register adds a user. The nickname is truncated to 20 runes; the
// returned string is the nickname as stored.
func (r *Registry) Register(id, nickname, avatar string, c *Conn) (string, error) {
	if id == "" || nickname == "" {
		return "", ErrMissingFields
	}
	if !userIDRe.MatchString(id) {
		return "", ErrInvalidID
	}
	nickname = util.TruncateRunes(nickname, maxNicknameRunes)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.users) >= r.maxUsers {
		return "", ErrCapacity
	}
	if _, taken := r.users[id]; taken {
		return "", ErrDuplicateID
	}

	r.users[id] = &User{
		ID:           id,
		Nickname:     nickname,
		Avatar:       avatar,
		Conn:         c,
		RegisteredAt: time.Now(),
	}
	return nickname, nil
}

// Lookup returns the user registered under id, if any.
func (r *Registry) Lookup(id string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	return u, ok
}

// Remove drops the registration for id, but only while it still belongs
// to c. A stale connection that lost its id to a later registration must
// not evict the newer owner.
func (r *Registry) Remove(id string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.Conn != c {
		return false
	}
	delete(r.users, id)
	return true
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Snapshot returns all registered users sorted by id, for the status page.
func (r *Registry) Snapshot() []Row {
	r.mu.Lock()
	rows := make([]Row, 0, len(r.users))
	for _, u := range r.users {
		rows = append(rows, Row{ID: u.ID, Nickname: u.Nickname, RegisteredAt: u.RegisteredAt})
	}
	r.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// Connections returns the connection of every registered user.
func (r *Registry) Connections() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.users))
	for _, u := range r.users {
		conns = append(conns, u.Conn)
	}
	return conns
}

// SweepClosed removes entries whose connection has already shut down.
// Normal disconnects unregister themselves; this catches entries left
// behind by a failure path. Returns the number of entries removed.
func (r *Registry) SweepClosed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cleaned := 0
	for id, u := range r.users {
		if u.Conn.Closed() {
			delete(r.users, id)
			cleaned++
		}
	}
	return cleaned
}
