package chathub

import (
	"errors"
	"sort"
	"sync"

	"teamchat/backend/internal/apperrors"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrConnectionClosed is returned for operations on a removed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotAdmitted is returned when an unauthenticated connection tries
	// to join a room.
	ErrNotAdmitted = apperrors.Auth(apperrors.AuthInvalid, errors.New("connection not authenticated"))
)

// Connection is the registry's record of one live client. Its identity is
// empty until it is admitted.
type Connection struct {
	id     string
	client Client

	mu         sync.Mutex
	userID     string
	rooms      map[string]struct{}
	activeRoom string
	removed    bool
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) Client() Client { return c.client }

func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ActiveRoom is the room most recently joined and not since left.
func (c *Connection) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRoom
}

// Rooms returns the joined rooms, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.rooms)
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]*Connection
	users map[string]map[string]*Connection
}

// Registry indexes live connections by id, room and user. Each index key
// hashes to one of a fixed number of shards, each guarded by its own
// RWMutex. Lookups return snapshots; no lock is held while delivering.
//
// Lock order is Connection.mu before any shard lock.
type Registry struct {
	shards []shard
}

// NewRegistry creates a registry with n shards.
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = 1
	}
	r := &Registry{shards: make([]shard, n)}
	for i := range r.shards {
		r.shards[i] = shard{
			conns: make(map[string]*Connection),
			rooms: make(map[string]map[string]*Connection),
			users: make(map[string]map[string]*Connection),
		}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return &r.shards[xxhash.Sum64String(key)%uint64(len(r.shards))]
}

// Register adds a client as a pre-authentication connection. It is
// reachable by id but excluded from room and user fan-out.
func (r *Registry) Register(client Client) *Connection {
	conn := &Connection{
		id:     client.ConnID(),
		client: client,
		rooms:  make(map[string]struct{}),
	}
	s := r.shardFor(conn.id)
	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()
	return conn
}

// Admit binds conn to userID and indexes it under the user's channel.
// Re-admitting as the same user is a no-op; switching users is refused.
func (r *Registry) Admit(conn *Connection, userID string) error {
	if userID == "" {
		return apperrors.Validation("user_id", "required")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.removed {
		return ErrConnectionClosed
	}
	if conn.userID == userID {
		return nil
	}
	if conn.userID != "" {
		return apperrors.Permission("authenticate", "connection already bound to another user")
	}
	conn.userID = userID

	s := r.shardFor(userID)
	s.mu.Lock()
	addTo(s.users, userID, conn)
	s.mu.Unlock()
	return nil
}

// Join adds conn to roomID and makes it the active room. It reports
// whether membership changed.
func (r *Registry) Join(conn *Connection, roomID string) (bool, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.removed {
		return false, ErrConnectionClosed
	}
	if conn.userID == "" {
		return false, ErrNotAdmitted
	}
	conn.activeRoom = roomID
	if _, ok := conn.rooms[roomID]; ok {
		return false, nil
	}
	conn.rooms[roomID] = struct{}{}

	s := r.shardFor(roomID)
	s.mu.Lock()
	addTo(s.rooms, roomID, conn)
	s.mu.Unlock()
	return true, nil
}

// Leave removes conn from roomID and reports whether it had joined.
// Leaving the active room clears it.
func (r *Registry) Leave(conn *Connection, roomID string) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if _, ok := conn.rooms[roomID]; !ok {
		return false
	}
	delete(conn.rooms, roomID)
	if conn.activeRoom == roomID {
		conn.activeRoom = ""
	}

	s := r.shardFor(roomID)
	s.mu.Lock()
	removeFrom(s.rooms, roomID, conn.id)
	s.mu.Unlock()
	return true
}

// Remove drops conn from every index and returns the rooms it left.
// Calling it again returns nil.
func (r *Registry) Remove(conn *Connection) []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.removed {
		return nil
	}
	conn.removed = true
	left := sortedKeys(conn.rooms)

	for _, roomID := range left {
		s := r.shardFor(roomID)
		s.mu.Lock()
		removeFrom(s.rooms, roomID, conn.id)
		s.mu.Unlock()
	}
	if conn.userID != "" {
		s := r.shardFor(conn.userID)
		s.mu.Lock()
		removeFrom(s.users, conn.userID, conn.id)
		s.mu.Unlock()
	}
	s := r.shardFor(conn.id)
	s.mu.Lock()
	if s.conns[conn.id] == conn {
		delete(s.conns, conn.id)
	}
	s.mu.Unlock()

	conn.rooms = make(map[string]struct{})
	conn.activeRoom = ""
	return left
}

// Get returns the connection with id, or nil.
func (r *Registry) Get(id string) *Connection {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// ConnectionsForRoom returns a snapshot of the connections joined to roomID.
func (r *Registry) ConnectionsForRoom(roomID string) []*Connection {
	s := r.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.rooms[roomID])
}

// ConnectionsForUser returns a snapshot of the admitted connections of userID.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.users[userID])
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	var out []*Connection
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		out = append(out, snapshot(s.conns)...)
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

func addTo(index map[string]map[string]*Connection, key string, conn *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Connection)
		index[key] = set
	}
	set[conn.id] = conn
}

func removeFrom(index map[string]map[string]*Connection, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func snapshot(set map[string]*Connection) []*Connection {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
