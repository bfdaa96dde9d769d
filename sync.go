package odyssea

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50

	// Cache freshness windows, in minutes.
	DefaultRoomsFreshMinutes    = 10
	DefaultMessagesFreshMinutes = 5
)

// API is the collaborator HTTP surface the engine fetches from. *Client
// implements it.
type API interface {
	ListChatRooms(ctx context.Context) ([]ChatRoom, error)
	GetChatRoom(ctx context.Context, roomID string) (*ChatRoom, error)
	GetMessages(ctx context.Context, roomID string, limit, offset int) (*MessagesPage, error)
	GetArchiveDays(ctx context.Context, roomID string, limit, offset int) (*ArchiveDaysPage, error)
	GetArchivedMessages(ctx context.Context, roomID, day string) ([]Message, error)
	CreateChatRoom(ctx context.Context, opts *CreateRoomOptions) (*ChatRoom, error)
	MuteChatRooms(ctx context.Context, roomIDs []string, muted bool) error
	TogglePin(ctx context.Context, roomID string) (bool, error)
	MarkAllRead(ctx context.Context) error
}

// Conn is the slice of Transport the engine drives.
type Conn interface {
	Events() <-chan Event
	Emit(event string, data interface{}) error
	Join(roomID string) error
	Leave(roomID string) error
	Connect(ctx context.Context) error
	Disconnect() error
}

// Notifier receives UI side effects for messages that arrive in unfocused,
// unmuted rooms. Implementations must not block.
type Notifier interface {
	IncomingMessage(room ChatRoom, msg Message)
}

// Config assembles an Engine. Self, API, Transport, Cache and Store are
// required.
type Config struct {
	Self      User
	API       API
	Transport Conn
	Cache     *Cache
	Store     *Store
	Notifier  Notifier
	Logger    *zap.Logger
	Metrics   *Metrics

	PageSize             int
	RoomsFreshMinutes    int
	MessagesFreshMinutes int

	OnPresenceChange func(userID string, online bool)
	OnTypingChange   func(roomID string)
}

// Engine is the synchronization core. It consumes Transport events and user
// actions, and is the only writer to both the Cache and the Store, keeping
// the two eventually consistent.
//
// A single mutex serializes every reconciliation handler and every user
// action: handlers run to completion before the next event is processed, so
// no handler ever observes a half-applied mutation.
type Engine struct {
	mu        sync.Mutex
	self      User
	api       API
	transport Conn
	cache     *Cache
	store     *Store
	notifier  Notifier
	presence  *PresenceTracker
	typing    *TypingTracker
	log       *zap.Logger
	metrics   *Metrics

	pageSize      int
	roomsFreshMin int
	msgsFreshMin  int

	// History pagination state for the focused room. Reset on focus change.
	liveOffset        int
	liveExhausted     bool
	archiveDays       []string
	archiveIdx        int
	archiveDaysOffset int
	archiveDone       bool
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Self.ID == "" {
		return nil, fmt.Errorf("engine: Self user is required")
	}
	if cfg.API == nil || cfg.Transport == nil || cfg.Cache == nil || cfg.Store == nil {
		return nil, fmt.Errorf("engine: API, Transport, Cache and Store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RoomsFreshMinutes <= 0 {
		cfg.RoomsFreshMinutes = DefaultRoomsFreshMinutes
	}
	if cfg.MessagesFreshMinutes <= 0 {
		cfg.MessagesFreshMinutes = DefaultMessagesFreshMinutes
	}

	e := &Engine{
		self:          cfg.Self,
		api:           cfg.API,
		transport:     cfg.Transport,
		cache:         cfg.Cache,
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		log:           cfg.Logger.Named("engine"),
		metrics:       cfg.Metrics,
		pageSize:      cfg.PageSize,
		roomsFreshMin: cfg.RoomsFreshMinutes,
		msgsFreshMin:  cfg.MessagesFreshMinutes,
	}
	e.presence = NewPresenceTracker(0, cfg.OnPresenceChange)
	e.typing = NewTypingTracker(0, cfg.OnTypingChange)
	return e, nil
}

// Presence returns the engine's presence tracker.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Typing returns the engine's typing tracker.
func (e *Engine) Typing() *TypingTracker { return e.typing }

// Close stops the debounce and auto-clear timers.
func (e *Engine) Close() {
	e.presence.Stop()
	e.typing.Stop()
}

// ============================================================================
// Startup
// ============================================================================

// Bootstrap hydrates the store from the cache (or the API when the cache is
// stale), then starts the transport. Hydration failures are non-fatal: the
// UI comes up empty and fills in as events arrive.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	e.loadRoomsLocked(ctx)
	e.mu.Unlock()

	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

// loadRoomsLocked fills the room list, preferring a fresh cache over a
// round trip.
func (e *Engine) loadRoomsLocked(ctx context.Context) {
	if e.cache.IsFresh("rooms", e.roomsFreshMin) {
		rooms, err := e.cache.GetRooms()
		if err == nil && len(rooms) > 0 {
			e.store.setRooms(rooms)
			return
		}
		if err != nil {
			e.log.Warn("cached rooms unreadable", zap.Error(err))
		}
	}
	e.refreshRoomsLocked(ctx)
}

// refreshRoomsLocked refetches the full room list from the API. On failure
// it falls back to whatever the cache holds.
func (e *Engine) refreshRoomsLocked(ctx context.Context) {
	e.store.setLoadingRooms(true)
	rooms, err := e.api.ListChatRooms(ctx)
	if err != nil {
		e.log.Warn("room list fetch failed", zap.Error(err))
		cached, cerr := e.cache.GetRooms()
		if cerr == nil && len(cached) > 0 {
			e.store.setRooms(cached)
		} else {
			e.store.setError("failed to load chat rooms")
		}
		e.store.setLoadingRooms(false)
		return
	}
	for i := range rooms {
		normalizeRoom(&rooms[i])
	}
	e.store.setRooms(rooms)
	e.store.setLoadingRooms(false)
	if err := e.cache.SaveRooms(rooms); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("room list cache write failed", zap.Error(err))
	}
}

// normalizeRoom dedups participants by userId and folds the legacy
// profilePhoto field into Avatar.
func normalizeRoom(r *ChatRoom) {
	seen := make(map[string]bool, len(r.Participants))
	out := r.Participants[:0]
	for _, p := range r.Participants {
		if seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		if p.User.Avatar == "" && p.User.ProfilePhoto != "" {
			p.User.Avatar = p.User.ProfilePhoto
		}
		out = append(out, p)
	}
	r.Participants = out
}

// ============================================================================
// Event loop
// ============================================================================

// Run consumes transport events until ctx is cancelled or the transport
// closes its stream.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.transport.Events():
			if !ok {
				return nil
			}
			e.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies a single inbound event. Exported so tests and custom
// loops can drive the engine without a live socket; Run calls it for every
// event in delivery order.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.eventProcessed(ev.Name)

	switch ev.Name {
	case EventConnect:
		e.log.Info("connected")
		// Catch up on anything missed while offline.
		if len(e.store.Snapshot().Rooms) > 0 {
			e.refreshRoomsLocked(ctx)
		}

	case EventDisconnect:
		var p DisconnectPayload
		decodeEvent(e.log, ev, &p)
		e.log.Info("disconnected", zap.String("reason", p.Reason))

	case EventConnectError:
		e.log.Warn("connect error")

	case EventNewMessage:
		var p NewMessagePayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.handleNewMessage(ctx, p)

	case EventMessageSent:
		e.store.setSending(false)

	case EventMessageRead:
		var p MessageReadPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.handleMessageRead(p)

	case EventMessagesRead:
		var p MessagesMarkedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.handleMessagesRead(p)

	case EventMessagesUnread:
		var p MessagesMarkedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.handleMessagesUnread(p)

	case EventMessageDeleted:
		var p MessageDeletedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.store.removeMessage(p.MessageID)
		if err := e.cache.DeleteMessage(p.MessageID); err != nil {
			e.metrics.cacheWriteFailed()
			e.log.Warn("message delete cache write failed", zap.Error(err))
		}

	case EventUserTyping:
		var p UserTypingPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		if p.UserID != e.self.ID {
			e.typing.Set(p.ChatRoomID, p.UserID, p.FirstName, p.IsTyping)
		}

	case EventUserOnline:
		var p UserOnlinePayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.presence.Set(p.UserID, p.IsOnline)

	case EventRoomCreated:
		room, err := DecodeRoomCreated(ev.Data)
		if err != nil {
			e.log.Warn("malformed event dropped", zap.String("event", ev.Name), zap.Error(err))
			return
		}
		normalizeRoom(room)
		e.store.upsertRoom(*room)
		if err := e.cache.SaveRoom(*room); err != nil {
			e.metrics.cacheWriteFailed()
			e.log.Warn("room cache write failed", zap.Error(err))
		}

	case EventRoomUpdated:
		var p RoomUpdatedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		room := p.UpdatedChatRoom
		if room.ID == "" {
			room.ID = p.ChatRoomID
		}
		normalizeRoom(&room)
		// Unread count is engine-owned; keep the local value.
		if existing, ok := e.store.Room(room.ID); ok {
			room.UnreadCount = existing.UnreadCount
		}
		e.store.upsertRoom(room)
		if err := e.cache.SaveRoom(room); err != nil {
			e.metrics.cacheWriteFailed()
			e.log.Warn("room cache write failed", zap.Error(err))
		}

	case EventParticipantsAdded:
		var p ParticipantsAddedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.handleParticipantsAdded(ctx, p)

	case EventParticipantGone:
		var p ParticipantRemovedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		if p.RemovedUserID == e.self.ID {
			e.dropRoomLocked(p.ChatRoomID)
			return
		}
		if e.store.mutateRoom(p.ChatRoomID, func(r *ChatRoom) {
			r.RemoveParticipant(p.RemovedUserID)
		}) {
			e.persistRoomLocked(p.ChatRoomID)
		}

	case EventRemovedFromRoom:
		var p RemovedFromRoomPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.dropRoomLocked(p.ChatRoomID)

	case EventRoomDeleted:
		var p RoomDeletedPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.dropRoomLocked(p.ChatRoomID)

	case EventRoomHidden:
		var p RoomHiddenPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.dropRoomLocked(p.ChatRoomID)

	case EventRoomRestored:
		// The restore event carries too little to rebuild one room; refetch
		// the whole list.
		e.refreshRoomsLocked(ctx)

	case EventUnreadCount:
		var p UnreadCountPayload
		if !decodeEvent(e.log, ev, &p) {
			return
		}
		e.store.setTotalUnread(p.UnreadCount)

	case EventNotification:
		e.log.Debug("notification", zap.ByteString("data", ev.Data))

	case EventRoleBroadcast:
		var p RoleBroadcastPayload
		decodeEvent(e.log, ev, &p)
		e.log.Info("role broadcast", zap.String("role", p.Role), zap.String("message", p.Message))

	case EventError:
		var p ErrorPayload
		decodeEvent(e.log, ev, &p)
		e.log.Warn("server error", zap.String("message", p.Message))
		e.store.setError(p.Message)

	default:
		e.log.Debug("unhandled event", zap.String("event", ev.Name))
	}
}

func decodeEvent(log *zap.Logger, ev Event, v interface{}) bool {
	if len(ev.Data) == 0 {
		return false
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		log.Warn("malformed event dropped", zap.String("event", ev.Name), zap.Error(err))
		return false
	}
	return true
}

// ============================================================================
// Reconciliation handlers
// ============================================================================

// handleNewMessage is the single insertion path for messages, covering both
// other users' messages and the echo of our own sends.
func (e *Engine) handleNewMessage(ctx context.Context, p NewMessagePayload) {
	roomID := p.ChatRoomID
	if roomID == "" {
		roomID = p.Message.ChatRoomID
	}
	msg := p.Message
	msg.ChatRoomID = roomID

	room, known := e.store.Room(roomID)
	if !known {
		restored, err := e.restoreRoomLocked(ctx, roomID)
		if err != nil {
			e.log.Warn("room restore failed", zap.String("room", roomID), zap.Error(err))
		} else {
			room = *restored
			known = true
		}
	}

	own := msg.SenderID == e.self.ID
	focused := e.store.FocusedRoomID() == roomID

	if known {
		e.store.mutateRoom(roomID, func(r *ChatRoom) {
			m := msg
			r.LastMessage = &m
			if msg.CreatedAt.After(r.UpdatedAt) {
				r.UpdatedAt = msg.CreatedAt
			}
			if !focused && !own {
				r.UnreadCount++
			}
		})
		if !focused && !own && !room.IsMuted && e.notifier != nil {
			e.notifier.IncomingMessage(room, msg)
		}
	}

	if own {
		e.store.setSending(false)
	}

	if focused && !own {
		// Auto-read on focus: the user is looking at the room.
		msg.IsRead = true
		msg.AddReader(e.self.ID)
		if err := e.transport.Emit(CommandMessageRead, MessageReadCommand{
			MessageID:  msg.ID,
			ChatRoomID: roomID,
		}); err != nil {
			e.metrics.commandDropped()
			e.log.Warn("messageRead dropped", zap.String("message", msg.ID), zap.Error(err))
		}
	}

	// Persisted regardless of focus so background rooms keep full history.
	if err := e.cache.PutMessage(roomID, msg); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("message cache write failed", zap.String("message", msg.ID), zap.Error(err))
	}

	if focused {
		e.store.appendMessage(msg)
	}
}

// restoreRoomLocked point-fetches a room the server references but the
// store does not know. Callers hold e.mu, so restores for the same id are
// serialized and the upsert keyed by id makes the last fetch win.
func (e *Engine) restoreRoomLocked(ctx context.Context, roomID string) (*ChatRoom, error) {
	room, err := e.api.GetChatRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	normalizeRoom(room)
	e.store.upsertRoom(*room)
	if err := e.cache.SaveRoom(*room); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("room cache write failed", zap.String("room", roomID), zap.Error(err))
	}
	e.metrics.roomRestored()
	e.log.Info("room restored", zap.String("room", roomID))
	return room, nil
}

func (e *Engine) handleMessageRead(p MessageReadPayload) {
	msg, err := e.cache.GetMessage(p.MessageID)
	if err != nil || msg == nil {
		e.log.Debug("read receipt for unknown message", zap.String("message", p.MessageID))
		return
	}
	msg.IsRead = true
	for _, id := range p.ReadBy {
		msg.AddReader(id)
	}
	e.store.updateMessage(*msg)
	if err := e.cache.UpdateMessage(msg.ChatRoomID, *msg); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("read receipt cache write failed", zap.Error(err))
	}
}

func (e *Engine) handleMessagesRead(p MessagesMarkedPayload) {
	for _, id := range p.MessageIDs {
		msg, err := e.cache.GetMessage(id)
		if err != nil || msg == nil {
			continue
		}
		msg.IsRead = true
		msg.AddReader(p.UserID)
		e.store.updateMessage(*msg)
		if err := e.cache.UpdateMessage(msg.ChatRoomID, *msg); err != nil {
			e.metrics.cacheWriteFailed()
			e.log.Warn("bulk read cache write failed", zap.Error(err))
		}
	}
	// Other participants' reads never touch our counter.
	if p.UserID == e.self.ID {
		e.store.mutateRoom(p.ChatRoomID, func(r *ChatRoom) {
			r.UnreadCount -= len(p.MessageIDs)
		})
	}
}

// handleMessagesUnread applies the per-user mark-unread model: readBy is
// always per-user; isRead only drops for DIRECT rooms, where read state is
// a true global flag.
func (e *Engine) handleMessagesUnread(p MessagesMarkedPayload) {
	room, known := e.store.Room(p.ChatRoomID)
	if !known {
		// A locally evicted room can still hold cached history; its type
		// decides the isRead semantics, so recover it from the cache.
		if cached, err := e.cache.GetRoom(p.ChatRoomID); err == nil && cached != nil {
			room = *cached
		}
	}
	for _, id := range p.MessageIDs {
		msg, err := e.cache.GetMessage(id)
		if err != nil || msg == nil {
			continue
		}
		msg.RemoveReader(p.UserID)
		if room.Type == RoomDirect {
			msg.IsRead = false
		}
		e.store.updateMessage(*msg)
		if err := e.cache.UpdateMessage(msg.ChatRoomID, *msg); err != nil {
			e.metrics.cacheWriteFailed()
			e.log.Warn("mark unread cache write failed", zap.Error(err))
		}
	}
	if p.UserID == e.self.ID {
		e.store.mutateRoom(p.ChatRoomID, func(r *ChatRoom) {
			r.UnreadCount += len(p.MessageIDs)
		})
	}
}

func (e *Engine) handleParticipantsAdded(ctx context.Context, p ParticipantsAddedPayload) {
	if _, known := e.store.Room(p.ChatRoomID); !known {
		for _, np := range p.NewParticipants {
			if np.UserID == e.self.ID {
				// We were just added; the event payload is too partial to
				// synthesize a room from.
				if _, err := e.restoreRoomLocked(ctx, p.ChatRoomID); err != nil {
					e.log.Warn("room restore failed", zap.String("room", p.ChatRoomID), zap.Error(err))
				}
				return
			}
		}
		return
	}
	if e.store.mutateRoom(p.ChatRoomID, func(r *ChatRoom) {
		add := append([]Participant(nil), p.NewParticipants...)
		for i := range add {
			if add[i].User.Avatar == "" && add[i].User.ProfilePhoto != "" {
				add[i].User.Avatar = add[i].User.ProfilePhoto
			}
		}
		r.MergeParticipants(add)
	}) {
		e.persistRoomLocked(p.ChatRoomID)
	}
}

// dropRoomLocked removes a room from both tiers and clears focus if it was
// the focused room.
func (e *Engine) dropRoomLocked(roomID string) {
	if e.store.FocusedRoomID() == roomID {
		e.typing.ClearRoom(roomID)
	}
	e.store.removeRoom(roomID)
	if err := e.cache.DeleteRoom(roomID); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("room cache delete failed", zap.String("room", roomID), zap.Error(err))
	}
	if err := e.cache.DeleteMessagesForRoom(roomID); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("room messages cache delete failed", zap.String("room", roomID), zap.Error(err))
	}
}

// persistRoomLocked mirrors the store's copy of a room into the cache.
func (e *Engine) persistRoomLocked(roomID string) {
	room, ok := e.store.Room(roomID)
	if !ok {
		return
	}
	if err := e.cache.SaveRoom(room); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("room cache write failed", zap.String("room", roomID), zap.Error(err))
	}
}

// ============================================================================
// User actions
// ============================================================================

// SendMessage emits a send command. No local message is inserted; the
// server's echo arrives through the normal new-message path, so there is a
// single insertion code path and no temp-id reconciliation. The store's
// Sending flag covers the gap.
func (e *Engine) SendMessage(roomID, content string, opts *SendOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := SendMessageCommand{ChatRoomID: roomID, Content: content}
	if opts != nil {
		cmd.FileURL = opts.FileURL
		cmd.FileName = opts.FileName
		cmd.FileSize = opts.FileSize
		cmd.ReplyData = opts.ReplyData
	}
	e.store.setSending(true)
	if err := e.transport.Emit(CommandSendMessage, cmd); err != nil {
		e.store.setSending(false)
		e.metrics.commandDropped()
		e.log.Warn("send dropped", zap.String("room", roomID), zap.Error(err))
		return err
	}
	return nil
}

// SetTyping reports the local user's typing state for a room.
func (e *Engine) SetTyping(roomID string, isTyping bool) {
	if err := e.transport.Emit(CommandTyping, TypingCommand{ChatRoomID: roomID, IsTyping: isTyping}); err != nil {
		e.metrics.commandDropped()
		e.log.Debug("typing dropped", zap.String("room", roomID), zap.Error(err))
	}
}

// OpenRoom focuses a room: joins its live channel, loads its recent
// messages (cache-first when fresh), and marks it read.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.store.FocusedRoomID()
	if prev != "" && prev != roomID {
		e.typing.ClearRoom(prev)
	}
	e.store.setFocus(roomID)
	e.resetPagingLocked()

	if err := e.transport.Join(roomID); err != nil {
		e.metrics.commandDropped()
		e.log.Warn("join dropped", zap.String("room", roomID), zap.Error(err))
	}

	e.store.setLoadingMessages(true)
	msgs, hasMore, err := e.loadRecentLocked(ctx, roomID)
	if err != nil {
		e.store.setLoadingMessages(false)
		e.store.setError("failed to load messages")
		return err
	}
	e.store.setMessages(msgs)
	e.store.setHasMoreHistory(hasMore)
	e.store.setLoadingMessages(false)
	e.liveOffset = len(msgs)

	e.markRoomReadLocked(roomID)
	return nil
}

// loadRecentLocked returns the newest page for a room, preferring a fresh
// cache. On API failure it degrades to whatever the cache holds.
func (e *Engine) loadRecentLocked(ctx context.Context, roomID string) ([]Message, bool, error) {
	if e.cache.IsRoomMessagesFresh(roomID, e.msgsFreshMin) {
		msgs, err := e.cache.GetMessages(roomID, e.pageSize, 0)
		if err == nil && len(msgs) > 0 {
			count, _ := e.cache.CountMessages(roomID)
			return msgs, count > len(msgs), nil
		}
		if err != nil {
			e.log.Warn("cached messages unreadable", zap.String("room", roomID), zap.Error(err))
		}
	}

	page, err := e.api.GetMessages(ctx, roomID, e.pageSize, 0)
	if err != nil {
		e.log.Warn("message fetch failed", zap.String("room", roomID), zap.Error(err))
		msgs, cerr := e.cache.GetMessages(roomID, e.pageSize, 0)
		if cerr == nil && len(msgs) > 0 {
			return msgs, false, nil
		}
		return nil, false, err
	}
	if err := e.cache.UpsertMessages(roomID, page.Messages); err != nil {
		e.metrics.cacheWriteFailed()
		e.log.Warn("message cache write failed", zap.String("room", roomID), zap.Error(err))
	}
	return page.Messages, page.HasMore, nil
}

// markRoomReadLocked zeroes the unread counter and tells the server.
func (e *Engine) markRoomReadLocked(roomID string) {
	var cleared int
	e.store.mutateRoom(roomID, func(r *ChatRoom) {
		cleared = r.UnreadCount
		r.UnreadCount = 0
	})
	if cleared > 0 {
		e.store.setTotalUnread(e.store.Snapshot().TotalUnread - cleared)
	}
	if err := e.transport.Emit(CommandMarkRoomRead, RoomCommand{ChatRoomID: roomID}); err != nil {
		e.metrics.commandDropped()
		e.log.Warn("mark read dropped", zap.String("room", roomID), zap.Error(err))
	}
}

// CloseRoom clears focus. The live channel subscription is kept so unread
// counters keep updating in the background.
func (e *Engine) CloseRoom() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev := e.store.FocusedRoomID(); prev != "" {
		e.typing.ClearRoom(prev)
	}
	e.store.setFocus("")
	e.store.setMessages(nil)
	e.resetPagingLocked()
}

func (e *Engine) resetPagingLocked() {
	e.liveOffset = 0
	e.liveExhausted = false
	e.archiveDays = nil
	e.archiveIdx = 0
	e.archiveDaysOffset = 0
	e.archiveDone = false
	e.store.setHasMoreHistory(true)
}

// LoadOlderMessages fetches one more page of history for the focused room.
// The live paginated source is walked first; once exhausted, the engine
// falls back to day-bucketed archive fetches, newest day first. LoadingOlder
// and HasMoreHistory keep "currently loading" and "no more data"
// distinguishable.
func (e *Engine) LoadOlderMessages(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	roomID := e.store.FocusedRoomID()
	if roomID == "" {
		return fmt.Errorf("no focused room")
	}
	if e.archiveDone {
		return nil
	}

	e.store.setLoadingOlder(true)
	defer e.store.setLoadingOlder(false)

	if !e.liveExhausted {
		page, err := e.api.GetMessages(ctx, roomID, e.pageSize, e.liveOffset)
		if err != nil {
			e.store.setError("failed to load older messages")
			return err
		}
		if len(page.Messages) > 0 {
			e.store.prependMessages(page.Messages)
			e.liveOffset += len(page.Messages)
			if err := e.cache.UpsertMessages(roomID, page.Messages); err != nil {
				e.metrics.cacheWriteFailed()
				e.log.Warn("message cache write failed", zap.String("room", roomID), zap.Error(err))
			}
		}
		if !page.HasMore {
			e.liveExhausted = true
		}
		if len(page.Messages) > 0 {
			return nil
		}
		// Empty live page: fall through to the archive.
	}

	return e.loadArchivePageLocked(ctx, roomID)
}

func (e *Engine) loadArchivePageLocked(ctx context.Context, roomID string) error {
	if e.archiveIdx >= len(e.archiveDays) {
		days, err := e.api.GetArchiveDays(ctx, roomID, e.pageSize, e.archiveDaysOffset)
		if err != nil {
			e.store.setError("failed to load archive")
			return err
		}
		if len(days.Days) == 0 {
			e.archiveDone = true
			e.store.setHasMoreHistory(false)
			return nil
		}
		// archiveDone flips once the fetched days themselves are consumed
		// and the next index fetch comes back empty.
		e.archiveDays = append(e.archiveDays, days.Days...)
		e.archiveDaysOffset += len(days.Days)
	}

	day := e.archiveDays[e.archiveIdx]
	msgs, err := e.api.GetArchivedMessages(ctx, roomID, day)
	if err != nil {
		e.store.setError("failed to load archive")
		return err
	}
	e.archiveIdx++
	if len(msgs) > 0 {
		e.store.prependMessages(msgs)
	}
	return nil
}

// MarkMessagesUnread marks messages unread for the local user. There is no
// outbound command for this on the live surface; the server learns about it
// from its own REST call and echoes a messagesMarkedAsUnread event to other
// clients, so this applies the local half directly.
func (e *Engine) MarkMessagesUnread(roomID string, messageIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handleMessagesUnread(MessagesMarkedPayload{
		ChatRoomID: roomID,
		MessageIDs: messageIDs,
		UserID:     e.self.ID,
	})
}

// CreateRoom asks the server to create a room. Local state is updated when
// the chatRoomCreated event arrives.
func (e *Engine) CreateRoom(opts *CreateRoomOptions) error {
	if opts == nil || len(opts.ParticipantIDs) == 0 {
		return fmt.Errorf("participants are required")
	}
	if err := e.transport.Emit(CommandCreateRoom, opts); err != nil {
		e.metrics.commandDropped()
		e.log.Warn("create room dropped", zap.Error(err))
		return err
	}
	return nil
}

// UpdateRoom sends a partial room update.
func (e *Engine) UpdateRoom(roomID string, updates RoomUpdate) error {
	if err := e.transport.Emit(CommandUpdateRoom, UpdateRoomCommand{ChatRoomID: roomID, Updates: updates}); err != nil {
		e.metrics.commandDropped()
		e.log.Warn("update room dropped", zap.String("room", roomID), zap.Error(err))
		return err
	}
	return nil
}

// AddParticipants invites users to a room.
func (e *Engine) AddParticipants(roomID string, participantIDs []string) error {
	if err := e.transport.Emit(CommandAddParticipants, AddParticipantsCommand{
		ChatRoomID:     roomID,
		ParticipantIDs: participantIDs,
	}); err != nil {
		e.metrics.commandDropped()
		e.log.Warn("add participants dropped", zap.String("room", roomID), zap.Error(err))
		return err
	}
	return nil
}

// RemoveParticipant removes a user from a room.
func (e *Engine) RemoveParticipant(roomID, participantID string) error {
	if err := e.transport.Emit(CommandRemoveParticipant, RemoveParticipantCommand{
		ChatRoomID:    roomID,
		ParticipantID: participantID,
	}); err != nil {
		e.metrics.commandDropped()
		e.log.Warn("remove participant dropped", zap.String("room", roomID), zap.Error(err))
		return err
	}
	return nil
}

// MuteRooms toggles muting over HTTP and mirrors the result locally.
func (e *Engine) MuteRooms(ctx context.Context, roomIDs []string, muted bool) error {
	if err := e.api.MuteChatRooms(ctx, roomIDs, muted); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range roomIDs {
		if e.store.mutateRoom(id, func(r *ChatRoom) { r.IsMuted = muted }) {
			e.persistRoomLocked(id)
		}
	}
	return nil
}

// TogglePinRoom flips a room's pin over HTTP and mirrors the result.
func (e *Engine) TogglePinRoom(ctx context.Context, roomID string) error {
	pinned, err := e.api.TogglePin(ctx, roomID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store.mutateRoom(roomID, func(r *ChatRoom) { r.IsPinned = pinned }) {
		e.persistRoomLocked(roomID)
	}
	return nil
}

// MarkAllRead clears every unread counter, server side and local.
func (e *Engine) MarkAllRead(ctx context.Context) error {
	if err := e.api.MarkAllRead(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, room := range e.store.Snapshot().Rooms {
		if room.UnreadCount != 0 {
			if e.store.mutateRoom(room.ID, func(r *ChatRoom) { r.UnreadCount = 0 }) {
				e.persistRoomLocked(room.ID)
			}
		}
	}
	e.store.setTotalUnread(0)
	return nil
}

// SearchMessages scans a room's cached history for a substring match.
// Only locally held messages are searched; archived history that was never
// paged in is not visible here.
func (e *Engine) SearchMessages(roomID, query string, limit int) ([]Message, error) {
	return e.cache.SearchMessages(roomID, query, limit)
}

// RefreshRooms forces a full room-list refetch.
func (e *Engine) RefreshRooms(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshRoomsLocked(ctx)
}
