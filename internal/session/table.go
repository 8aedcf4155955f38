// Package session holds the in-memory session table: session to user,
// connection to session, and the live sessions of each user.
// Nothing here survives a restart.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/veilchat/relay-server-go/internal/model"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// Table is safe for concurrent use. Lock order is bindings before shards
// before the per-user index; no method holds two shard locks at once.
type Table struct {
	shards [shardCount]*shard

	bindMu      sync.RWMutex
	connSession map[string]string
	sessionConn map[string]string

	countMu sync.Mutex
	byUser  map[string]map[string]struct{}
}

func NewTable() *Table {
	t := &Table{
		connSession: make(map[string]string),
		sessionConn: make(map[string]string),
		byUser:      make(map[string]map[string]struct{}),
	}
	for i := range t.shards {
		t.shards[i] = &shard{sessions: make(map[string]model.Session)}
	}
	return t
}

func (t *Table) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return t.shards[h.Sum32()%shardCount]
}

// Put stores s and returns the user's live session count afterwards.
// Replacing an existing id does not count twice.
func (t *Table) Put(s model.Session) int {
	sh := t.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()

	t.countMu.Lock()
	defer t.countMu.Unlock()
	ids, ok := t.byUser[s.UserID]
	if !ok {
		ids = make(map[string]struct{})
		t.byUser[s.UserID] = ids
	}
	ids[s.ID] = struct{}{}
	return len(ids)
}

// PutBound stores s already bound to connID, so no concurrent handshake can
// claim it first.
func (t *Table) PutBound(s model.Session, connID string) int {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	live := t.Put(s)
	if prev, ok := t.connSession[connID]; ok {
		delete(t.sessionConn, prev)
	}
	t.connSession[connID] = s.ID
	t.sessionConn[s.ID] = connID
	return live
}

func (t *Table) Get(sessionID string) (model.Session, bool) {
	sh := t.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[sessionID]
	return s, ok
}

// Remove deletes a session and returns it with the user's remaining live count.
func (t *Table) Remove(sessionID string) (model.Session, int, bool) {
	sh := t.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if ok {
		delete(sh.sessions, sessionID)
	}
	sh.mu.Unlock()
	if !ok {
		return model.Session{}, 0, false
	}

	t.countMu.Lock()
	defer t.countMu.Unlock()
	ids := t.byUser[s.UserID]
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(t.byUser, s.UserID)
	}
	return s, len(ids), true
}

func (t *Table) LiveCount(userID string) int {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	return len(t.byUser[userID])
}

func (t *Table) sessionIDsOf(userID string) []string {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	ids := make([]string, 0, len(t.byUser[userID]))
	for id := range t.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

// ClaimUnbound binds connID to the newest unexpired session of userID that no
// connection holds yet.
func (t *Table) ClaimUnbound(connID, userID string, now time.Time) (model.Session, bool) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	var (
		best  model.Session
		found bool
	)
	for _, id := range t.sessionIDsOf(userID) {
		if _, bound := t.sessionConn[id]; bound {
			continue
		}
		s, ok := t.Get(id)
		if !ok || s.Expired(now) {
			continue
		}
		if !found || s.CreatedAt.After(best.CreatedAt) {
			best, found = s, true
		}
	}
	if !found {
		return model.Session{}, false
	}

	if prev, ok := t.connSession[connID]; ok {
		delete(t.sessionConn, prev)
	}
	t.connSession[connID] = best.ID
	t.sessionConn[best.ID] = connID
	return best, true
}

// Bind attaches a connection to a live session. It fails when the session is
// unknown or already bound to another connection.
func (t *Table) Bind(connID, sessionID string) bool {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	if _, ok := t.Get(sessionID); !ok {
		return false
	}
	if bound, ok := t.sessionConn[sessionID]; ok && bound != connID {
		return false
	}
	if prev, ok := t.connSession[connID]; ok && prev != sessionID {
		delete(t.sessionConn, prev)
	}
	t.connSession[connID] = sessionID
	t.sessionConn[sessionID] = connID
	return true
}

func (t *Table) Unbind(connID string) (string, bool) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	sessionID, ok := t.connSession[connID]
	if !ok {
		return "", false
	}
	delete(t.connSession, connID)
	if t.sessionConn[sessionID] == connID {
		delete(t.sessionConn, sessionID)
	}
	return sessionID, true
}

func (t *Table) SessionForConnection(connID string) (string, bool) {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	sessionID, ok := t.connSession[connID]
	return sessionID, ok
}

// ConnectionForSession survives Remove, so a swept session can still be
// traced to the connection that has to be closed.
func (t *Table) ConnectionForSession(sessionID string) (string, bool) {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	connID, ok := t.sessionConn[sessionID]
	return connID, ok
}

func (t *Table) IsBound(sessionID string) bool {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	_, ok := t.sessionConn[sessionID]
	return ok
}

// Expired snapshots sessions whose expiry is at or before now.
func (t *Table) Expired(now time.Time) []model.Session {
	var out []model.Session
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if s.Expired(now) {
				out = append(out, s)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
