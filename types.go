package odyssea

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic `{success, data|error}` envelope returned by the
// Odyssea HTTP API.
type APIResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data payload into v.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error as a Go error, or nil on success.
func (r *APIResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request failed"}
}

// ============================================================================
// Room Types
// ============================================================================

// RoomType distinguishes the three kinds of chat rooms.
type RoomType string

const (
	RoomDirect RoomType = "DIRECT"
	RoomGroup  RoomType = "GROUP"
	RoomLoad   RoomType = "LOAD"
)

// User is the profile attached to a room participant. Some endpoints send
// the avatar under profilePhoto; normalizeRoom folds it into Avatar.
type User struct {
	ID           string `json:"id"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Avatar       string `json:"avatar,omitempty"`
	ProfilePhoto string `json:"profilePhoto,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Participant is a membership record inside a chat room. UserID is unique
// per room.
type Participant struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	User     User      `json:"user"`
}

// ChatRoom is a conversation. UnreadCount is owned exclusively by the
// SyncEngine; nothing else may write it.
type ChatRoom struct {
	ID           string        `json:"id"`
	Type         RoomType      `json:"type"`
	Name         string        `json:"name,omitempty"`
	Avatar       string        `json:"avatar,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	IsMuted      bool          `json:"isMuted"`
	IsPinned     bool          `json:"isPinned"`
	IsArchived   bool          `json:"isArchived"`
	AdminID      string        `json:"adminId,omitempty"`
	LoadID       string        `json:"loadId,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the room.
func (r *ChatRoom) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// MergeParticipants adds the given participants to the room, deduplicated
// by UserID.
func (r *ChatRoom) MergeParticipants(add []Participant) {
	for _, p := range add {
		if !r.HasParticipant(p.UserID) {
			r.Participants = append(r.Participants, p)
		}
	}
}

// RemoveParticipant filters the participant with the given userID out of
// the room. A fresh slice is allocated so shallow copies of the room never
// see the filtered result.
func (r *ChatRoom) RemoveParticipant(userID string) {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	r.Participants = out
}

// clone returns a copy sharing no slice or pointer memory with the
// receiver.
func (r ChatRoom) clone() ChatRoom {
	out := r
	if r.Participants != nil {
		out.Participants = append([]Participant(nil), r.Participants...)
	}
	if r.LastMessage != nil {
		lm := r.LastMessage.clone()
		out.LastMessage = &lm
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

// ReplyData is the denormalized quote shown above a reply message.
type ReplyData struct {
	SenderName string `json:"senderName"`
	Time       string `json:"time"`
	Content    string `json:"content"`
	Avatar     string `json:"avatar,omitempty"`
}

// Message is a single chat message. ID is globally unique and is the sole
// deduplication key across the transport, the durable cache and the
// in-memory store. IsRead is a room-type-dependent flag; ReadBy is the
// authoritative per-user ledger.
type Message struct {
	ID         string     `json:"id"`
	ChatRoomID string     `json:"chatRoomId"`
	SenderID   string     `json:"senderId"`
	Content    string     `json:"content"`
	FileURL    string     `json:"fileUrl,omitempty"`
	FileName   string     `json:"fileName,omitempty"`
	FileSize   int64      `json:"fileSize,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	IsRead     bool       `json:"isRead"`
	ReadBy     []string   `json:"readBy"`
	ReplyData  *ReplyData `json:"replyData,omitempty"`
}

// ReadByUser reports whether userID appears in the ReadBy ledger.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// AddReader appends userID to ReadBy if absent.
func (m *Message) AddReader(userID string) {
	if !m.ReadByUser(userID) {
		m.ReadBy = append(m.ReadBy, userID)
	}
}

// RemoveReader removes userID from ReadBy, allocating a fresh slice so
// shallow copies keep their ledger.
func (m *Message) RemoveReader(userID string) {
	out := make([]string, 0, len(m.ReadBy))
	for _, id := range m.ReadBy {
		if id != userID {
			out = append(out, id)
		}
	}
	m.ReadBy = out
}

// clone returns a copy with its own ReadBy backing array.
func (m Message) clone() Message {
	out := m
	if m.ReadBy != nil {
		out.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return out
}

// MessagesPage is one page of a paginated history fetch.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// ArchiveDaysPage is one page of the day-bucketed archive index, days
// ordered newest-first.
type ArchiveDaysPage struct {
	Days    []string `json:"days"`
	HasMore bool     `json:"hasMore"`
}

// ============================================================================
// Requests
// ============================================================================

// SendOptions carries the optional parts of an outbound message.
type SendOptions struct {
	FileURL   string
	FileName  string
	FileSize  int64
	ReplyData *ReplyData
}

// CreateRoomOptions describes a room to create.
type CreateRoomOptions struct {
	Name           string   `json:"name,omitempty"`
	Type           RoomType `json:"type"`
	LoadID         string   `json:"loadId,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// RoomUpdate is a partial room update (name/avatar).
type RoomUpdate struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}
