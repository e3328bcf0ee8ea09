package correlator

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	session Session
	seq     uint64
}

// Registry maps channel identifiers to in-flight sessions. It is safe for
// concurrent use; eviction timers remove entries from other goroutines.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	aliases  map[string]string // secondary leg channel -> primary channel
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		aliases:  make(map[string]string),
	}
}

// GetOrCreate returns the session for channelID, creating it from init when
// absent. The bool reports whether a session was created.
func (r *Registry) GetOrCreate(channelID string, init Session) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[channelID]; ok {
		return e.session, false
	}
	init.ChannelID = channelID
	r.insertLocked(init)
	return init, true
}

// Replace installs s as a fresh entry for its channel, discarding any
// previous session and aliases that pointed at it.
func (r *Registry) Replace(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropAliasesLocked(s.ChannelID)
	r.insertLocked(s)
}

func (r *Registry) insertLocked(s Session) {
	r.seq++
	r.sessions[s.ChannelID] = &entry{session: s, seq: r.seq}
}

// Get returns the session registered for channelID.
func (r *Registry) Get(channelID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[channelID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Update stores s over the existing entry for the same channel and session.
// It returns false if the entry was evicted or replaced in the meantime.
func (r *Registry) Update(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s.ChannelID]
	if !ok || e.session.SessionID != s.SessionID {
		return false
	}
	e.session = s
	return true
}

// Remove deletes the session for channelID and its aliases.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, channelID)
	r.dropAliasesLocked(channelID)
}

// RemoveIf deletes the session for channelID only if it still carries
// sessionID, so a delayed eviction never removes a newer call.
func (r *Registry) RemoveIf(channelID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[channelID]
	if !ok || e.session.SessionID != sessionID {
		return false
	}
	delete(r.sessions, channelID)
	r.dropAliasesLocked(channelID)
	return true
}

// FindBySessionID scans for the session with the given Uniqueid.
func (r *Registry) FindBySessionID(sessionID string) (Session, bool) {
	if sessionID == "" {
		return Session{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.session.SessionID == sessionID {
			return e.session, true
		}
	}
	return Session{}, false
}

// FindByRecordID scans for the session bound to call record id.
func (r *Registry) FindByRecordID(id int64) (Session, bool) {
	if id == 0 {
		return Session{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.session.CallRecordID == id {
			return e.session, true
		}
	}
	return Session{}, false
}

// RemoveOlderThan deletes every session created before cutoff, with its
// aliases, and returns the removed sessions in insertion order.
func (r *Registry) RemoveOlderThan(cutoff time.Time) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*entry
	for ch, e := range r.sessions {
		if e.session.CreatedAt.Before(cutoff) {
			stale = append(stale, e)
			delete(r.sessions, ch)
			r.dropAliasesLocked(ch)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })
	out := make([]Session, len(stale))
	for i, e := range stale {
		out[i] = e.session
	}
	return out
}

// MostRecent returns the most recently inserted session.
func (r *Registry) MostRecent() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *entry
	for _, e := range r.sessions {
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return Session{}, false
	}
	return best.session, true
}

// Alias records channelID as a secondary leg of primaryChannelID.
func (r *Registry) Alias(channelID, primaryChannelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[channelID] = primaryChannelID
}

// Primary resolves a secondary leg channel to its primary channel.
func (r *Registry) Primary(channelID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.aliases[channelID]
	return p, ok
}

func (r *Registry) dropAliasesLocked(primary string) {
	for alias, p := range r.aliases {
		if p == primary {
			delete(r.aliases, alias)
		}
	}
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
