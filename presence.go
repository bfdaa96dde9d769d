package odyssea

import (
	"sync"
	"time"
)

// DefaultOfflineDebounce absorbs connect/reconnect flapping before a user
// is shown offline.
const DefaultOfflineDebounce = 5 * time.Second

// DefaultTypingTTL clears a typing indicator that never received an
// explicit stop.
const DefaultTypingTTL = 5 * time.Second

// PresenceTracker derives per-user online state from presence events.
// Going online is immediate; going offline is debounced so a quick
// reconnect never flickers the indicator. All timer handles are tracked
// and cancelled on superseding events or Stop.
type PresenceTracker struct {
	mu       sync.Mutex
	delay    time.Duration
	online   map[string]bool
	pending  map[string]*time.Timer
	onChange func(userID string, online bool)
	stopped  bool
}

// NewPresenceTracker creates a tracker with the given offline debounce
// (DefaultOfflineDebounce when zero). onChange may be nil.
func NewPresenceTracker(delay time.Duration, onChange func(userID string, online bool)) *PresenceTracker {
	if delay == 0 {
		delay = DefaultOfflineDebounce
	}
	return &PresenceTracker{
		delay:    delay,
		online:   make(map[string]bool),
		pending:  make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Set applies a presence event for a user.
func (p *PresenceTracker) Set(userID string, online bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if online {
		if t, ok := p.pending[userID]; ok {
			t.Stop()
			delete(p.pending, userID)
		}
		changed := !p.online[userID]
		p.online[userID] = true
		cb := p.onChange
		p.mu.Unlock()
		if changed && cb != nil {
			cb(userID, true)
		}
		return
	}

	if !p.online[userID] {
		p.mu.Unlock()
		return
	}
	if _, ok := p.pending[userID]; ok {
		p.mu.Unlock()
		return
	}
	p.pending[userID] = time.AfterFunc(p.delay, func() { p.goOffline(userID) })
	p.mu.Unlock()
}

func (p *PresenceTracker) goOffline(userID string) {
	p.mu.Lock()
	delete(p.pending, userID)
	if p.stopped || !p.online[userID] {
		p.mu.Unlock()
		return
	}
	p.online[userID] = false
	cb := p.onChange
	p.mu.Unlock()
	if cb != nil {
		cb(userID, false)
	}
}

// Online reports whether a user is currently considered online. Unknown
// users degrade to offline rather than erroring.
func (p *PresenceTracker) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// Stop cancels every pending offline transition.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, t := range p.pending {
		t.Stop()
		delete(p.pending, id)
	}
}

// ============================================================================
// Typing indicators
// ============================================================================

type typingKey struct {
	roomID string
	userID string
}

// TypingTracker keeps per-room typing indicators with auto-clear timers.
// A new keystroke for the same (room, user) resets the timer; explicit
// stop events and room teardown cancel it.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	names    map[typingKey]string
	timers   map[typingKey]*time.Timer
	onChange func(roomID string)
	stopped  bool
}

// NewTypingTracker creates a tracker with the given auto-clear TTL
// (DefaultTypingTTL when zero). onChange may be nil.
func NewTypingTracker(ttl time.Duration, onChange func(roomID string)) *TypingTracker {
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		names:    make(map[typingKey]string),
		timers:   make(map[typingKey]*time.Timer),
		onChange: onChange,
	}
}

// Set applies a typing event.
func (t *TypingTracker) Set(roomID, userID, firstName string, isTyping bool) {
	key := typingKey{roomID: roomID, userID: userID}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if tm, ok := t.timers[key]; ok {
		tm.Stop()
		delete(t.timers, key)
	}
	if isTyping {
		if firstName == "" {
			firstName = userID
		}
		t.names[key] = firstName
		t.timers[key] = time.AfterFunc(t.ttl, func() { t.clear(key) })
	} else {
		delete(t.names, key)
	}
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(roomID)
	}
}

func (t *TypingTracker) clear(key typingKey) {
	t.mu.Lock()
	delete(t.timers, key)
	_, was := t.names[key]
	delete(t.names, key)
	cb := t.onChange
	t.mu.Unlock()
	if was && cb != nil {
		cb(key.roomID)
	}
}

// Typing returns the display names of users currently typing in a room.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key, name := range t.names {
		if key.roomID == roomID {
			out = append(out, name)
		}
	}
	return out
}

// ClearRoom drops every indicator for a room (focus change, teardown).
func (t *TypingTracker) ClearRoom(roomID string) {
	t.mu.Lock()
	for key, tm := range t.timers {
		if key.roomID == roomID {
			tm.Stop()
			delete(t.timers, key)
		}
	}
	for key := range t.names {
		if key.roomID == roomID {
			delete(t.names, key)
		}
	}
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(roomID)
	}
}

// Stop cancels every timer.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, tm := range t.timers {
		tm.Stop()
		delete(t.timers, key)
	}
}
