package odyssea

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// DefaultMessageRetention is how many messages per room survive cleanup.
const DefaultMessageRetention = 1000

// cacheEntry wraps every persisted record with freshness metadata. The
// wrapper never leaves this file; callers only ever see the domain entity.
type cacheEntry struct {
	CachedAt time.Time       `json:"cachedAt"`
	Version  int             `json:"version"`
	Data     json.RawMessage `json:"data"`
}

const cacheSchemaVersion = 1

// Cache is the durable, crash-surviving local store. Two collections live
// in one pebble keyspace:
//
//	room:<roomID>:meta                      room record
//	room:<roomID>:msg:<createdAt>:<msgID>   message, ordered by creation time
//	msgidx:<msgID>                          message-id -> message key
//	stamp:rooms / stamp:msgs:<roomID>       last-write markers for freshness
//
// The createdAt segment is a zero-padded unix-nano timestamp so pebble's
// key order doubles as the (roomID, createdAt) secondary index.
type Cache struct {
	path string
	log  *zap.Logger
	now  func() time.Time

	openOnce sync.Once
	openErr  error
	mu       sync.Mutex
	db       *pebble.DB
}

// NewCache creates a cache rooted at path. The underlying store is opened
// lazily on first use; every operation is safe to call before that.
func NewCache(path string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{path: path, log: log, now: time.Now}
}

// open performs the shared one-shot initialization.
func (c *Cache) open() error {
	c.openOnce.Do(func() {
		db, err := pebble.Open(c.path, &pebble.Options{})
		if err != nil {
			c.log.Error("cache_open_failed", zap.String("path", c.path), zap.Error(err))
			c.openErr = fmt.Errorf("open cache: %w", err)
			return
		}
		c.db = db
		c.log.Info("cache_opened", zap.String("path", c.path))
	})
	return c.openErr
}

// Close closes the underlying store if it was opened.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func roomMetaKey(roomID string) []byte {
	return []byte("room:" + roomID + ":meta")
}

func roomMsgPrefix(roomID string) []byte {
	return []byte("room:" + roomID + ":msg:")
}

func msgKey(roomID string, m *Message) []byte {
	// A zero or pre-1970 timestamp would render with a minus sign and break
	// the zero-padded lexical ordering; clamp to the epoch.
	ns := m.CreatedAt.UTC().UnixNano()
	if ns < 0 {
		ns = 0
	}
	return []byte(fmt.Sprintf("room:%s:msg:%020d:%s", roomID, ns, m.ID))
}

func msgIdxKey(msgID string) []byte {
	return []byte("msgidx:" + msgID)
}

func (c *Cache) wrap(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cacheEntry{CachedAt: c.now().UTC(), Version: cacheSchemaVersion, Data: data})
}

func unwrap(raw []byte, v interface{}) error {
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}
	return json.Unmarshal(e.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// UpsertMessages writes a paginated batch for a room, idempotent by message
// id. When the cache already holds at least as many messages for the room
// as the incoming batch the write is skipped, so a stale page refetch never
// regresses a fuller cache.
func (c *Cache) UpsertMessages(roomID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	count, err := c.countMessagesLocked(roomID)
	if err != nil {
		return err
	}
	if count >= len(msgs) {
		c.log.Debug("upsert_skipped", zap.String("room", roomID), zap.Int("cached", count), zap.Int("incoming", len(msgs)))
		return nil
	}
	for i := range msgs {
		if err := c.putMessageLocked(roomID, &msgs[i]); err != nil {
			return err
		}
	}
	if err := c.stampLocked("stamp:msgs:" + roomID); err != nil {
		return err
	}
	return c.cleanupLocked(roomID, DefaultMessageRetention)
}

// PutMessage persists a single message, idempotent by id. Unlike
// UpsertMessages there is no batch-size guard: live events always land in
// the cache regardless of what is already there.
func (c *Cache) PutMessage(roomID string, m Message) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.putMessageLocked(roomID, &m); err != nil {
		return err
	}
	if err := c.stampLocked("stamp:msgs:" + roomID); err != nil {
		return err
	}
	return c.cleanupLocked(roomID, DefaultMessageRetention)
}

func (c *Cache) putMessageLocked(roomID string, m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("message without id for room %s", roomID)
	}
	key := msgKey(roomID, m)

	// A message already indexed under a different key (createdAt changed
	// server-side) must not leave a duplicate behind.
	if old, closer, err := c.db.Get(msgIdxKey(m.ID)); err == nil {
		prev := append([]byte(nil), old...)
		closer.Close()
		if !bytes.Equal(prev, key) {
			if err := c.db.Delete(prev, pebble.Sync); err != nil {
				return err
			}
		}
	}

	val, err := c.wrap(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	if err := c.db.Set(key, val, pebble.Sync); err != nil {
		return err
	}
	return c.db.Set(msgIdxKey(m.ID), key, pebble.Sync)
}

// GetMessage returns a single message by id, or nil when absent.
func (c *Cache) GetMessage(msgID string) (*Message, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key, closer, err := c.db.Get(msgIdxKey(msgID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k := append([]byte(nil), key...)
	closer.Close()

	raw, closer2, err := c.db.Get(k)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer2.Close()
	var m Message
	if err := unwrap(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessage rewrites a cached message in place (read-state mutations).
// Missing messages are ignored; the cache is a mirror, not a ledger.
func (c *Cache) UpdateMessage(roomID string, m Message) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putMessageLocked(roomID, &m)
}

// GetMessages returns a room's messages ordered ascending by createdAt.
// When limit > 0 the window anchors to the newest end: the result is the
// `limit` most recent messages after skipping `offset` from the top, which
// matches a chat UI paginating older history upward.
func (c *Cache) GetMessages(roomID string, limit, offset int) ([]Message, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := roomMsgPrefix(roomID)
	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var all []Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m Message
		if err := unwrap(iter.Value(), &m); err != nil {
			c.log.Warn("cache_entry_unreadable", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		all = append(all, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		return all, nil
	}
	end := len(all) - offset
	if end <= 0 {
		return nil, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], nil
}

// CountMessages returns the number of cached messages for a room.
func (c *Cache) CountMessages(roomID string) (int, error) {
	if err := c.open(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countMessagesLocked(roomID)
}

func (c *Cache) countMessagesLocked(roomID string) (int, error) {
	prefix := roomMsgPrefix(roomID)
	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		n++
	}
	return n, iter.Error()
}

// DeleteMessage removes one message by id.
func (c *Cache) DeleteMessage(msgID string) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key, closer, err := c.db.Get(msgIdxKey(msgID))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	k := append([]byte(nil), key...)
	closer.Close()
	if err := c.db.Delete(k, pebble.Sync); err != nil {
		return err
	}
	return c.db.Delete(msgIdxKey(msgID), pebble.Sync)
}

// DeleteMessagesForRoom drops a room's entire message history.
func (c *Cache) DeleteMessagesForRoom(roomID string) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteMessagesLocked(roomID)
}

func (c *Cache) deleteMessagesLocked(roomID string) error {
	prefix := roomMsgPrefix(roomID)
	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m Message
		if unwrap(iter.Value(), &m) == nil && m.ID != "" {
			if err := c.db.Delete(msgIdxKey(m.ID), pebble.Sync); err != nil {
				return err
			}
		}
		k := append([]byte(nil), iter.Key()...)
		if err := c.db.Delete(k, pebble.Sync); err != nil {
			return err
		}
	}
	return iter.Error()
}

// CleanupOldMessages retains only the `keep` most recent messages for a
// room, discarding the oldest first.
func (c *Cache) CleanupOldMessages(roomID string, keep int) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(roomID, keep)
}

func (c *Cache) cleanupLocked(roomID string, keep int) error {
	count, err := c.countMessagesLocked(roomID)
	if err != nil || count <= keep {
		return err
	}
	drop := count - keep
	prefix := roomMsgPrefix(roomID)
	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid() && drop > 0; iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m Message
		if unwrap(iter.Value(), &m) == nil && m.ID != "" {
			if err := c.db.Delete(msgIdxKey(m.ID), pebble.Sync); err != nil {
				return err
			}
		}
		k := append([]byte(nil), iter.Key()...)
		if err := c.db.Delete(k, pebble.Sync); err != nil {
			return err
		}
		drop--
	}
	if drop == 0 {
		c.log.Debug("cache_cleanup", zap.String("room", roomID), zap.Int("kept", keep))
	}
	return iter.Error()
}

// ============================================================================
// Rooms
// ============================================================================

// SaveRoom upserts a single room record.
func (c *Cache) SaveRoom(room ChatRoom) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	val, err := c.wrap(&room)
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.ID, err)
	}
	return c.db.Set(roomMetaKey(room.ID), val, pebble.Sync)
}

// SaveRooms replaces the whole room collection (clear-then-write). The
// server's room list is authoritative; stale local-only rooms must not
// survive a full resync.
func (c *Cache) SaveRooms(rooms []ChatRoom) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	prefix := []byte("room:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if strings.HasSuffix(string(iter.Key()), ":meta") {
			k := append([]byte(nil), iter.Key()...)
			if err := c.db.Delete(k, pebble.Sync); err != nil {
				iter.Close()
				return err
			}
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	iter.Close()

	for i := range rooms {
		val, err := c.wrap(&rooms[i])
		if err != nil {
			return fmt.Errorf("marshal room %s: %w", rooms[i].ID, err)
		}
		if err := c.db.Set(roomMetaKey(rooms[i].ID), val, pebble.Sync); err != nil {
			return err
		}
	}
	return c.stampLocked("stamp:rooms")
}

// GetRoom returns a room by id, or nil when absent.
func (c *Cache) GetRoom(roomID string) (*ChatRoom, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, closer, err := c.db.Get(roomMetaKey(roomID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var room ChatRoom
	if err := unwrap(raw, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetRooms returns every cached room, most recently updated first.
func (c *Cache) GetRooms() ([]ChatRoom, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte("room:")
	var rooms []ChatRoom
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var room ChatRoom
		if err := unwrap(iter.Value(), &room); err != nil {
			c.log.Warn("cache_entry_unreadable", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		rooms = append(rooms, room)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt) })
	return rooms, nil
}

// DeleteRoom removes a room record and its message history.
func (c *Cache) DeleteRoom(roomID string) error {
	if err := c.open(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.Delete(roomMetaKey(roomID), pebble.Sync); err != nil {
		return err
	}
	return c.deleteMessagesLocked(roomID)
}

// ============================================================================
// Freshness
// ============================================================================

func (c *Cache) stampLocked(key string) error {
	return c.db.Set([]byte(key), []byte(c.now().UTC().Format(time.RFC3339Nano)), pebble.Sync)
}

func (c *Cache) stampWithin(key string, maxAge time.Duration) bool {
	raw, closer, err := c.db.Get([]byte(key))
	if err != nil {
		return false
	}
	defer closer.Close()
	ts, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return false
	}
	return c.now().Sub(ts) <= maxAge
}

// IsFresh reports whether the named collection ("rooms" or "messages" for
// a room via IsRoomMessagesFresh) was written within the age window.
func (c *Cache) IsFresh(collection string, maxAgeMinutes int) bool {
	if c.open() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stampWithin("stamp:"+collection, time.Duration(maxAgeMinutes)*time.Minute)
}

// IsRoomMessagesFresh reports whether a room's message cache was written
// within the age window.
func (c *Cache) IsRoomMessagesFresh(roomID string, maxAgeMinutes int) bool {
	if c.open() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stampWithin("stamp:msgs:"+roomID, time.Duration(maxAgeMinutes)*time.Minute)
}

// SearchMessages scans a room's cached history for a case-insensitive
// content match.
func (c *Cache) SearchMessages(roomID, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	all, err := c.GetMessages(roomID, 0, 0)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Message
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
