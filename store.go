package odyssea

import (
	"sort"
	"sync"
)

// Snapshot is an immutable view of the store handed to subscribers. The
// focused room's messages are always sorted ascending by createdAt at
// snapshot time; out-of-order delivery is accepted upstream and corrected
// only here, at the render boundary.
type Snapshot struct {
	Rooms         []ChatRoom
	FocusedRoomID string
	Messages      []Message

	LoadingRooms    bool
	LoadingMessages bool
	LoadingOlder    bool
	HasMoreHistory  bool
	Sending         bool

	TotalUnread int
	Err         string
}

// Subscriber receives a snapshot after every store mutation.
type Subscriber func(Snapshot)

// Store is the in-memory reactive state container driving the UI. All
// mutations are synchronous; subscribers are notified after each one.
// Only the SyncEngine mutates it — in particular unread counters.
type Store struct {
	mu sync.Mutex

	rooms   map[string]*ChatRoom
	focused string
	// messages holds the focused room's list only; background rooms live
	// in the durable cache until opened.
	messages []Message

	loadingRooms    bool
	loadingMessages bool
	loadingOlder    bool
	hasMoreHistory  bool
	sending         bool

	totalUnread int
	err         string

	subs    map[int]Subscriber
	nextSub int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*ChatRoom),
		subs:  make(map[int]Subscriber),
	}
}

// Subscribe registers fn and returns an unsubscribe function. fn is called
// immediately with the current snapshot.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	snap := s.snapshotLocked()
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Room returns a copy of a room by id.
func (s *Store) Room(roomID string) (ChatRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ChatRoom{}, false
	}
	return r.clone(), true
}

// FocusedRoomID returns the currently focused room id ("" when none).
func (s *Store) FocusedRoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// snapshotLocked deep-copies every room and message so a delivered
// snapshot can never be aliased into later mutations.
func (s *Store) snapshotLocked() Snapshot {
	rooms := make([]ChatRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r.clone())
	}
	// Pinned rooms first, then most recently updated.
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].IsPinned != rooms[j].IsPinned {
			return rooms[i].IsPinned
		}
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})
	msgs := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m.clone())
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	return Snapshot{
		Rooms:           rooms,
		FocusedRoomID:   s.focused,
		Messages:        msgs,
		LoadingRooms:    s.loadingRooms,
		LoadingMessages: s.loadingMessages,
		LoadingOlder:    s.loadingOlder,
		HasMoreHistory:  s.hasMoreHistory,
		Sending:         s.sending,
		TotalUnread:     s.totalUnread,
		Err:             s.err,
	}
}

// notifyLocked snapshots under the lock, releases it, and fans out. Must be
// called with s.mu held; returns with it released.
func (s *Store) notifyLocked() {
	snap := s.snapshotLocked()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// ============================================================================
// Mutations (engine-only)
// ============================================================================

func (s *Store) setRooms(rooms []ChatRoom) {
	s.mu.Lock()
	s.rooms = make(map[string]*ChatRoom, len(rooms))
	for i := range rooms {
		r := rooms[i]
		s.rooms[r.ID] = &r
	}
	s.notifyLocked()
}

func (s *Store) upsertRoom(room ChatRoom) {
	s.mu.Lock()
	s.rooms[room.ID] = &room
	s.notifyLocked()
}

// mutateRoom applies fn to a room in place. Returns false without
// notifying when the room is unknown.
func (s *Store) mutateRoom(roomID string, fn func(*ChatRoom)) bool {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(r)
	if r.UnreadCount < 0 {
		r.UnreadCount = 0
	}
	s.notifyLocked()
	return true
}

func (s *Store) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	if s.focused == roomID {
		s.focused = ""
		s.messages = nil
		s.hasMoreHistory = false
	}
	s.notifyLocked()
}

func (s *Store) setFocus(roomID string) {
	s.mu.Lock()
	s.focused = roomID
	s.messages = nil
	s.hasMoreHistory = true
	s.notifyLocked()
}

func (s *Store) setMessages(msgs []Message) {
	s.mu.Lock()
	s.messages = append([]Message(nil), msgs...)
	s.notifyLocked()
}

func (s *Store) appendMessage(m Message) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i] = m
			s.notifyLocked()
			return
		}
	}
	s.messages = append(s.messages, m)
	s.notifyLocked()
}

func (s *Store) prependMessages(msgs []Message) {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.messages))
	for _, m := range s.messages {
		seen[m.ID] = struct{}{}
	}
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; !dup {
			fresh = append(fresh, m)
		}
	}
	s.messages = append(fresh, s.messages...)
	s.notifyLocked()
}

func (s *Store) updateMessage(m Message) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i] = m
			break
		}
	}
	s.notifyLocked()
}

func (s *Store) removeMessage(msgID string) {
	s.mu.Lock()
	out := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != msgID {
			out = append(out, m)
		}
	}
	s.messages = out
	s.notifyLocked()
}

func (s *Store) setLoadingRooms(v bool)    { s.setFlag(&s.loadingRooms, v) }
func (s *Store) setLoadingMessages(v bool) { s.setFlag(&s.loadingMessages, v) }
func (s *Store) setLoadingOlder(v bool)    { s.setFlag(&s.loadingOlder, v) }
func (s *Store) setHasMoreHistory(v bool)  { s.setFlag(&s.hasMoreHistory, v) }
func (s *Store) setSending(v bool)         { s.setFlag(&s.sending, v) }

func (s *Store) setFlag(p *bool, v bool) {
	s.mu.Lock()
	if *p == v {
		s.mu.Unlock()
		return
	}
	*p = v
	s.notifyLocked()
}

func (s *Store) setTotalUnread(n int) {
	s.mu.Lock()
	if n < 0 {
		n = 0
	}
	s.totalUnread = n
	s.notifyLocked()
}

func (s *Store) setError(msg string) {
	s.mu.Lock()
	s.err = msg
	s.notifyLocked()
}
