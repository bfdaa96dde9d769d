package odyssea

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Fakes
// ============================================================================

type emittedCommand struct {
	Event string
	Data  interface{}
}

// fakeConn records emitted commands instead of writing to a socket.
type fakeConn struct {
	mu        sync.Mutex
	events    chan Event
	emitted   []emittedCommand
	joined    []string
	connected bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 64), connected: true}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Emit(event string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.emitted = append(c.emitted, emittedCommand{Event: event, Data: data})
	return nil
}

func (c *fakeConn) Join(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, roomID)
	return nil
}

func (c *fakeConn) Leave(string) error { return nil }

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeConn) commands(event string) []emittedCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emittedCommand
	for _, cmd := range c.emitted {
		if cmd.Event == event {
			out = append(out, cmd)
		}
	}
	return out
}

// fakeAPI serves canned responses; unset hooks return empty values.
type fakeAPI struct {
	mu           sync.Mutex
	rooms        []ChatRoom
	roomByID     map[string]ChatRoom
	listCalls    int
	getRoomCalls int

	onGetMessages func(roomID string, limit, offset int) (*MessagesPage, error)
	onArchiveDays func(roomID string, limit, offset int) (*ArchiveDaysPage, error)
	onArchived    func(roomID, day string) ([]Message, error)

	mutedCalls   int
	markAllCalls int
	pinned       bool
}

func (a *fakeAPI) ListChatRooms(context.Context) ([]ChatRoom, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	return append([]ChatRoom(nil), a.rooms...), nil
}

func (a *fakeAPI) GetChatRoom(_ context.Context, roomID string) (*ChatRoom, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getRoomCalls++
	room, ok := a.roomByID[roomID]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "no such room"}
	}
	return &room, nil
}

func (a *fakeAPI) GetMessages(_ context.Context, roomID string, limit, offset int) (*MessagesPage, error) {
	if a.onGetMessages != nil {
		return a.onGetMessages(roomID, limit, offset)
	}
	return &MessagesPage{}, nil
}

func (a *fakeAPI) GetArchiveDays(_ context.Context, roomID string, limit, offset int) (*ArchiveDaysPage, error) {
	if a.onArchiveDays != nil {
		return a.onArchiveDays(roomID, limit, offset)
	}
	return &ArchiveDaysPage{}, nil
}

func (a *fakeAPI) GetArchivedMessages(_ context.Context, roomID, day string) ([]Message, error) {
	if a.onArchived != nil {
		return a.onArchived(roomID, day)
	}
	return nil, nil
}

func (a *fakeAPI) CreateChatRoom(_ context.Context, opts *CreateRoomOptions) (*ChatRoom, error) {
	return &ChatRoom{ID: "created", Type: opts.Type}, nil
}

func (a *fakeAPI) MuteChatRooms(context.Context, []string, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutedCalls++
	return nil
}

func (a *fakeAPI) TogglePin(context.Context, string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pinned = !a.pinned
	return a.pinned, nil
}

func (a *fakeAPI) MarkAllRead(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markAllCalls++
	return nil
}

// ============================================================================
// Fixture
// ============================================================================

const selfID = "self"

type engineFixture struct {
	engine *Engine
	store  *Store
	cache  *Cache
	conn   *fakeConn
	api    *fakeAPI
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store: NewStore(),
		cache: NewCache(t.TempDir(), zap.NewNop()),
		conn:  newFakeConn(),
		api:   &fakeAPI{roomByID: make(map[string]ChatRoom)},
	}
	t.Cleanup(func() { _ = f.cache.Close() })

	engine, err := NewEngine(Config{
		Self:      User{ID: selfID, FirstName: "Self"},
		API:       f.api,
		Transport: f.conn,
		Cache:     f.cache,
		Store:     f.store,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	f.engine = engine
	t.Cleanup(engine.Close)
	return f
}

func (f *engineFixture) seedRoom(room ChatRoom) {
	f.store.upsertRoom(room)
}

func (f *engineFixture) fire(t *testing.T, name string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.engine.HandleEvent(context.Background(), Event{Name: name, Data: data})
}

func groupRoom(id string) ChatRoom {
	return ChatRoom{
		ID:   id,
		Type: RoomGroup,
		Name: "group " + id,
		Participants: []Participant{
			{ID: "p1", UserID: selfID, User: User{ID: selfID}},
			{ID: "p2", UserID: "u2", User: User{ID: "u2"}},
			{ID: "p3", UserID: "u3", User: User{ID: "u3"}},
		},
		UpdatedAt: cacheEpoch,
	}
}

func directRoom(id string) ChatRoom {
	r := groupRoom(id)
	r.Type = RoomDirect
	r.Participants = r.Participants[:2]
	return r
}

// ============================================================================
// New-message reconciliation
// ============================================================================

func TestUnreadMonotonicity(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r2"))
	f.store.setFocus("r1")

	const n = 5
	for i := 0; i < n; i++ {
		f.fire(t, EventNewMessage, NewMessagePayload{
			ChatRoomID: "r2",
			Message:    testMsg(fmt.Sprintf("m-%d", i), "r2", i),
		})
	}

	room, ok := f.store.Room("r2")
	require.True(t, ok)
	assert.Equal(t, n, room.UnreadCount)

	// A read batch larger than the counter clamps at zero.
	ids := make([]string, 0, n+3)
	for i := 0; i < n+3; i++ {
		ids = append(ids, fmt.Sprintf("m-%d", i))
	}
	f.fire(t, EventMessagesRead, MessagesMarkedPayload{ChatRoomID: "r2", MessageIDs: ids, UserID: selfID})

	room, _ = f.store.Room("r2")
	assert.Zero(t, room.UnreadCount, "unread must never go negative")
}

func TestBackgroundUnread(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	f.seedRoom(groupRoom("r2"))
	f.store.setFocus("r1")

	msg := testMsg("m1", "r2", 1)
	msg.SenderID = "u2"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "r2", Message: msg})

	r2, _ := f.store.Room("r2")
	assert.Equal(t, 1, r2.UnreadCount)
	r1, _ := f.store.Room("r1")
	assert.Zero(t, r1.UnreadCount, "focused room unaffected")

	assert.Empty(t, f.store.Snapshot().Messages, "background message is not rendered")
	cached, err := f.cache.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, cached, "persisted even though not focused")
	assert.Equal(t, "r2", cached.ChatRoomID)
}

func TestOwnMessageNeverCountsUnread(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r2"))
	f.store.setFocus("r1")

	msg := testMsg("mine", "r2", 1)
	msg.SenderID = selfID
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "r2", Message: msg})

	room, _ := f.store.Room("r2")
	assert.Zero(t, room.UnreadCount)
}

func TestNewMessageUpdatesRoomMetadata(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	msg := testMsg("m1", "r1", 60)
	msg.SenderID = "u2"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "r1", Message: msg})

	room, _ := f.store.Room("r1")
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, "m1", room.LastMessage.ID)
	assert.Equal(t, msg.CreatedAt, room.UpdatedAt)
}

func TestAutoReadOnFocusedRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	f.store.setFocus("r1")

	msg := testMsg("m1", "r1", 1)
	msg.SenderID = "u2"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "r1", Message: msg})

	snap := f.store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsRead)
	assert.Contains(t, snap.Messages[0].ReadBy, selfID)

	room, _ := f.store.Room("r1")
	assert.Zero(t, room.UnreadCount)

	reads := f.conn.commands(CommandMessageRead)
	require.Len(t, reads, 1)
	assert.Equal(t, MessageReadCommand{MessageID: "m1", ChatRoomID: "r1"}, reads[0].Data)

	cached, err := f.cache.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.IsRead, "auto-read persisted")
}

// ============================================================================
// Room restore
// ============================================================================

func TestRoomRestoreOnUnknownRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.api.roomByID["ghost"] = groupRoom("ghost")

	msg := testMsg("m1", "ghost", 1)
	msg.SenderID = "u2"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "ghost", Message: msg})
	msg2 := testMsg("m2", "ghost", 2)
	msg2.SenderID = "u2"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "ghost", Message: msg2})

	assert.Equal(t, 1, f.api.getRoomCalls, "second event finds the room already restored")

	room, ok := f.store.Room("ghost")
	require.True(t, ok)
	assert.Equal(t, 2, room.UnreadCount)

	cachedRoom, err := f.cache.GetRoom("ghost")
	require.NoError(t, err)
	require.NotNil(t, cachedRoom, "exactly one record in the cache too")

	snap := f.store.Snapshot()
	count := 0
	for _, r := range snap.Rooms {
		if r.ID == "ghost" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRestoreNormalizesParticipants(t *testing.T) {
	f := newEngineFixture(t)
	room := groupRoom("ghost")
	room.Participants = append(room.Participants, room.Participants[1]) // server-side dup
	room.Participants[1].User.ProfilePhoto = "https://cdn/u2.png"
	room.Participants[1].User.Avatar = ""
	f.api.roomByID["ghost"] = room

	msg := testMsg("m1", "ghost", 1)
	msg.SenderID = "u2"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "ghost", Message: msg})

	got, ok := f.store.Room("ghost")
	require.True(t, ok)
	require.Len(t, got.Participants, 3, "duplicates collapse by userId")
	assert.Equal(t, "https://cdn/u2.png", got.Participants[1].User.Avatar)
}

// ============================================================================
// Read-state model
// ============================================================================

func TestReadStateIsolationGroup(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	msg := testMsg("m1", "r1", 1)
	msg.SenderID = "u3"
	msg.IsRead = true
	msg.ReadBy = []string{selfID, "u2", "u3"}
	require.NoError(t, f.cache.PutMessage("r1", msg))

	// Another participant marks it unread.
	f.fire(t, EventMessagesUnread, MessagesMarkedPayload{ChatRoomID: "r1", MessageIDs: []string{"m1"}, UserID: "u2"})

	got, err := f.cache.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsRead, "group isRead is not reset by an individual")
	assert.NotContains(t, got.ReadBy, "u2")
	assert.Contains(t, got.ReadBy, selfID)

	room, _ := f.store.Room("r1")
	assert.Zero(t, room.UnreadCount, "another user's unread never inflates ours")

	// Our own mark-unread does increment our counter.
	f.engine.MarkMessagesUnread("r1", []string{"m1"})
	got, err = f.cache.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.NotContains(t, got.ReadBy, selfID)
	room, _ = f.store.Room("r1")
	assert.Equal(t, 1, room.UnreadCount)
}

func TestDirectReadSymmetry(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(directRoom("d1"))

	msg := testMsg("m1", "d1", 1)
	msg.SenderID = selfID
	msg.IsRead = true
	msg.ReadBy = []string{selfID, "u2"}
	require.NoError(t, f.cache.PutMessage("d1", msg))

	// The other participant marks it unread: the flag drops globally.
	f.fire(t, EventMessagesUnread, MessagesMarkedPayload{ChatRoomID: "d1", MessageIDs: []string{"m1"}, UserID: "u2"})

	got, err := f.cache.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsRead)
	assert.NotContains(t, got.ReadBy, "u2")
}

func TestDirectUnreadResolvesTypeFromCache(t *testing.T) {
	f := newEngineFixture(t)
	// Room lives only in the cache; the store was hydrated without it.
	require.NoError(t, f.cache.SaveRoom(directRoom("d1")))

	msg := testMsg("m1", "d1", 1)
	msg.SenderID = selfID
	msg.IsRead = true
	msg.ReadBy = []string{selfID, "u2"}
	require.NoError(t, f.cache.PutMessage("d1", msg))

	f.fire(t, EventMessagesUnread, MessagesMarkedPayload{ChatRoomID: "d1", MessageIDs: []string{"m1"}, UserID: "u2"})

	got, err := f.cache.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsRead, "direct-room semantics survive store eviction")
	assert.NotContains(t, got.ReadBy, "u2")
}

func TestBulkReadAddsReaders(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	f.store.setFocus("r1")

	msg := testMsg("m1", "r1", 1)
	msg.SenderID = selfID
	require.NoError(t, f.cache.PutMessage("r1", msg))
	f.store.appendMessage(msg)

	f.fire(t, EventMessagesRead, MessagesMarkedPayload{ChatRoomID: "r1", MessageIDs: []string{"m1"}, UserID: "u2"})

	snap := f.store.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsRead)
	assert.Contains(t, snap.Messages[0].ReadBy, "u2")
}

// ============================================================================
// Send path
// ============================================================================

func TestSendAndEcho(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	f.store.setFocus("r1")

	require.NoError(t, f.engine.SendMessage("r1", "hi", nil))

	snap := f.store.Snapshot()
	assert.True(t, snap.Sending)
	assert.Empty(t, snap.Messages, "no optimistic local insert")
	count, _ := f.cache.CountMessages("r1")
	assert.Zero(t, count)

	sends := f.conn.commands(CommandSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, SendMessageCommand{ChatRoomID: "r1", Content: "hi"}, sends[0].Data)

	// The server echo is the single insertion path.
	echo := testMsg("m1", "r1", 1)
	echo.SenderID = selfID
	echo.Content = "hi"
	f.fire(t, EventNewMessage, NewMessagePayload{ChatRoomID: "r1", Message: echo})

	snap = f.store.Snapshot()
	assert.False(t, snap.Sending)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "m1", snap.Messages[0].ID)
	count, _ = f.cache.CountMessages("r1")
	assert.Equal(t, 1, count, "exactly one message in both tiers")
}

func TestSendDroppedWhileDisconnected(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	require.NoError(t, f.conn.Disconnect())

	err := f.engine.SendMessage("r1", "hi", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, f.store.Snapshot().Sending, "sending flag rolls back on drop")
	assert.Empty(t, f.conn.commands(CommandSendMessage))
}

// ============================================================================
// Membership and lifecycle
// ============================================================================

func TestParticipantsAddedMerges(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	f.fire(t, EventParticipantsAdded, ParticipantsAddedPayload{
		ChatRoomID: "r1",
		NewParticipants: []Participant{
			{ID: "p4", UserID: "u4", User: User{ID: "u4"}},
			{ID: "p2", UserID: "u2", User: User{ID: "u2"}}, // already present
		},
		AddedBy: "u2",
	})

	room, _ := f.store.Room("r1")
	assert.Len(t, room.Participants, 4)
}

func TestParticipantsAddedRestoresUnknownRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.api.roomByID["ghost"] = groupRoom("ghost")

	f.fire(t, EventParticipantsAdded, ParticipantsAddedPayload{
		ChatRoomID:      "ghost",
		NewParticipants: []Participant{{ID: "p1", UserID: selfID, User: User{ID: selfID}}},
		AddedBy:         "u2",
	})

	_, ok := f.store.Room("ghost")
	assert.True(t, ok, "being added to an unknown room triggers a restore")
	assert.Equal(t, 1, f.api.getRoomCalls)
}

func TestSelfRemovalDropsRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	f.store.setFocus("r1")
	require.NoError(t, f.cache.SaveRoom(groupRoom("r1")))
	require.NoError(t, f.cache.PutMessage("r1", testMsg("m1", "r1", 1)))

	f.fire(t, EventParticipantGone, ParticipantRemovedPayload{
		ChatRoomID:    "r1",
		RemovedUserID: selfID,
		RemovedBy:     "u2",
	})

	_, ok := f.store.Room("r1")
	assert.False(t, ok)
	assert.Empty(t, f.store.FocusedRoomID(), "focus cleared with the room")
	cached, err := f.cache.GetRoom("r1")
	require.NoError(t, err)
	assert.Nil(t, cached)
	count, _ := f.cache.CountMessages("r1")
	assert.Zero(t, count)
}

func TestOtherRemovalFiltersParticipant(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	f.fire(t, EventParticipantGone, ParticipantRemovedPayload{
		ChatRoomID:    "r1",
		RemovedUserID: "u3",
		RemovedBy:     "u2",
	})

	room, ok := f.store.Room("r1")
	require.True(t, ok)
	assert.Len(t, room.Participants, 2)
	assert.False(t, room.HasParticipant("u3"))
}

func TestRoomDeletedAndHidden(t *testing.T) {
	for _, name := range []string{EventRoomDeleted, EventRoomHidden} {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t)
			f.seedRoom(groupRoom("r1"))
			f.store.setFocus("r1")

			f.fire(t, name, RoomDeletedPayload{ChatRoomID: "r1"})

			_, ok := f.store.Room("r1")
			assert.False(t, ok)
			assert.Empty(t, f.store.FocusedRoomID())
		})
	}
}

func TestRoomRestoredRefetchesList(t *testing.T) {
	f := newEngineFixture(t)
	f.api.rooms = []ChatRoom{groupRoom("r1"), groupRoom("r2")}

	f.fire(t, EventRoomRestored, RoomRestoredPayload{ChatRoomID: "r2"})

	assert.Equal(t, 1, f.api.listCalls, "restore means full refetch, not a point fetch")
	assert.Len(t, f.store.Snapshot().Rooms, 2)
}

func TestRoomUpdatedKeepsLocalUnread(t *testing.T) {
	f := newEngineFixture(t)
	room := groupRoom("r1")
	room.UnreadCount = 4
	f.seedRoom(room)

	updated := groupRoom("r1")
	updated.Name = "renamed"
	updated.UnreadCount = 99 // server payload must not own this
	f.fire(t, EventRoomUpdated, RoomUpdatedPayload{ChatRoomID: "r1", UpdatedChatRoom: updated, UpdatedBy: "u2"})

	got, _ := f.store.Room("r1")
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 4, got.UnreadCount)
}

// ============================================================================
// Open room and pagination
// ============================================================================

func TestOpenRoomLoadsAndMarksRead(t *testing.T) {
	f := newEngineFixture(t)
	room := groupRoom("r1")
	room.UnreadCount = 3
	f.seedRoom(room)
	f.store.setTotalUnread(5)

	f.api.onGetMessages = func(roomID string, limit, offset int) (*MessagesPage, error) {
		return &MessagesPage{Messages: testMsgs(roomID, 3), Total: 3, HasMore: false}, nil
	}

	require.NoError(t, f.engine.OpenRoom(context.Background(), "r1"))

	snap := f.store.Snapshot()
	assert.Equal(t, "r1", snap.FocusedRoomID)
	assert.Len(t, snap.Messages, 3)
	assert.False(t, snap.LoadingMessages)
	assert.False(t, snap.HasMoreHistory)
	assert.Equal(t, 2, snap.TotalUnread)

	got, _ := f.store.Room("r1")
	assert.Zero(t, got.UnreadCount)

	assert.Equal(t, []string{"r1"}, f.conn.joined)
	require.Len(t, f.conn.commands(CommandMarkRoomRead), 1)

	count, _ := f.cache.CountMessages("r1")
	assert.Equal(t, 3, count, "fetched page lands in the cache")
}

func TestOpenRoomPrefersFreshCache(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))
	require.NoError(t, f.cache.UpsertMessages("r1", testMsgs("r1", 3)))

	apiCalled := false
	f.api.onGetMessages = func(string, int, int) (*MessagesPage, error) {
		apiCalled = true
		return &MessagesPage{}, nil
	}

	require.NoError(t, f.engine.OpenRoom(context.Background(), "r1"))

	assert.False(t, apiCalled, "fresh cache short-circuits the fetch")
	assert.Len(t, f.store.Snapshot().Messages, 3)
}

func TestLoadOlderFallsBackToArchive(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	live := testMsgs("r1", 4) // m-0000..m-0003
	f.api.onGetMessages = func(_ string, limit, offset int) (*MessagesPage, error) {
		if offset >= len(live) {
			return &MessagesPage{HasMore: false}, nil
		}
		end := len(live) - offset
		start := end - 2
		if start < 0 {
			start = 0
		}
		return &MessagesPage{Messages: live[start:end], Total: len(live), HasMore: start > 0}, nil
	}
	dayFetches := 0
	f.api.onArchiveDays = func(_ string, _, offset int) (*ArchiveDaysPage, error) {
		dayFetches++
		if offset == 0 {
			return &ArchiveDaysPage{Days: []string{"2026-02-28", "2026-02-27"}, HasMore: false}, nil
		}
		return &ArchiveDaysPage{}, nil
	}
	f.api.onArchived = func(_ string, day string) ([]Message, error) {
		return []Message{{ID: "arch-" + day, ChatRoomID: "r1", SenderID: "u2", Content: day, CreatedAt: cacheEpoch.Add(-24 * time.Hour)}}, nil
	}

	require.NoError(t, f.engine.OpenRoom(context.Background(), "r1"))
	require.Len(t, f.store.Snapshot().Messages, 2)

	// Second live page exhausts the live source.
	require.NoError(t, f.engine.LoadOlderMessages(context.Background()))
	snap := f.store.Snapshot()
	assert.Len(t, snap.Messages, 4)
	assert.True(t, snap.HasMoreHistory)

	// Archive day 1.
	require.NoError(t, f.engine.LoadOlderMessages(context.Background()))
	snap = f.store.Snapshot()
	assert.Len(t, snap.Messages, 5)
	assert.True(t, snap.HasMoreHistory)

	// Archive day 2.
	require.NoError(t, f.engine.LoadOlderMessages(context.Background()))
	assert.Len(t, f.store.Snapshot().Messages, 6)

	// Index exhausted: no more data, distinguishable from loading.
	require.NoError(t, f.engine.LoadOlderMessages(context.Background()))
	snap = f.store.Snapshot()
	assert.False(t, snap.HasMoreHistory)
	assert.False(t, snap.LoadingOlder)
	assert.Equal(t, 2, dayFetches)

	// Further calls are no-ops.
	require.NoError(t, f.engine.LoadOlderMessages(context.Background()))
	assert.Len(t, f.store.Snapshot().Messages, 6)
}

// ============================================================================
// HTTP-backed actions
// ============================================================================

func TestMuteRoomsMirrorsLocally(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	require.NoError(t, f.engine.MuteRooms(context.Background(), []string{"r1"}, true))

	room, _ := f.store.Room("r1")
	assert.True(t, room.IsMuted)
	assert.Equal(t, 1, f.api.mutedCalls)

	cached, err := f.cache.GetRoom("r1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, cached.IsMuted)
}

func TestTogglePinMirrorsServerState(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	require.NoError(t, f.engine.TogglePinRoom(context.Background(), "r1"))
	room, _ := f.store.Room("r1")
	assert.True(t, room.IsPinned)

	require.NoError(t, f.engine.TogglePinRoom(context.Background(), "r1"))
	room, _ = f.store.Room("r1")
	assert.False(t, room.IsPinned)
}

func TestMarkAllReadZerosCounters(t *testing.T) {
	f := newEngineFixture(t)
	r1 := groupRoom("r1")
	r1.UnreadCount = 3
	r2 := groupRoom("r2")
	r2.UnreadCount = 2
	f.seedRoom(r1)
	f.seedRoom(r2)
	f.store.setTotalUnread(5)

	require.NoError(t, f.engine.MarkAllRead(context.Background()))

	for _, id := range []string{"r1", "r2"} {
		room, _ := f.store.Room(id)
		assert.Zero(t, room.UnreadCount, id)
	}
	assert.Zero(t, f.store.Snapshot().TotalUnread)
	assert.Equal(t, 1, f.api.markAllCalls)
}

// ============================================================================
// Malformed input
// ============================================================================

func TestMalformedEventIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	f.seedRoom(groupRoom("r1"))

	f.engine.HandleEvent(context.Background(), Event{Name: EventNewMessage, Data: json.RawMessage(`{"chatRoomId":`)})

	assert.Empty(t, f.store.Snapshot().Messages)
	room, _ := f.store.Room("r1")
	assert.Zero(t, room.UnreadCount)
}

func TestServerErrorSurfacesInStore(t *testing.T) {
	f := newEngineFixture(t)

	f.fire(t, EventError, ErrorPayload{Message: "rate limited"})

	assert.Equal(t, "rate limited", f.store.Snapshot().Err)
}
