package odyssea

import "encoding/json"

// ============================================================================
// Event Envelope
// ============================================================================

// Event is the wire envelope for every inbound server event. Meta events
// (connect, disconnect, connect_error) are synthesized by the Transport and
// delivered through the same stream so the engine sees a single ordered
// sequence.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a client-to-server command.
type Command struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Inbound event names (server -> client)
// ============================================================================

const (
	EventConnect           = "connect"
	EventDisconnect        = "disconnect"
	EventConnectError      = "connect_error"
	EventNewMessage        = "newMessage"
	EventMessageSent       = "messageSent"
	EventMessageRead       = "messageRead"
	EventMessagesRead      = "messagesMarkedAsRead"
	EventMessagesUnread    = "messagesMarkedAsUnread"
	EventMessageDeleted    = "messageDeleted"
	EventUserTyping        = "userTyping"
	EventUserOnline        = "userOnline"
	EventRoomCreated       = "chatRoomCreated"
	EventRoomUpdated       = "chatRoomUpdated"
	EventParticipantsAdded = "participantsAdded"
	EventParticipantGone   = "participantRemoved"
	EventRemovedFromRoom   = "removedFromChatRoom"
	EventRoomDeleted       = "chatRoomDeleted"
	EventRoomHidden        = "chatRoomHidden"
	EventRoomRestored      = "chatRoomRestored"
	EventNotification      = "notification"
	EventUnreadCount       = "unreadCountUpdate"
	EventRoleBroadcast     = "roleBroadcast"
	EventError             = "error"
)

// ============================================================================
// Outbound command names (client -> server)
// ============================================================================

const (
	CommandSendMessage       = "sendMessage"
	CommandTyping            = "typing"
	CommandMessageRead       = "messageRead"
	CommandMarkRoomRead      = "markChatRoomAsRead"
	CommandJoinRoom          = "joinChatRoom"
	CommandLeaveRoom         = "leaveChatRoom"
	CommandCreateRoom        = "createChatRoom"
	CommandUpdateRoom        = "updateChatRoom"
	CommandAddParticipants   = "addParticipants"
	CommandRemoveParticipant = "removeParticipant"
)

// ============================================================================
// Inbound payloads
// ============================================================================

// DisconnectPayload carries the server-supplied close reason. The transport
// schedules reconnection for every reason except "client-initiated".
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type NewMessagePayload struct {
	ChatRoomID string  `json:"chatRoomId"`
	Message    Message `json:"message"`
}

type MessageSentPayload struct {
	MessageID  string `json:"messageId"`
	ChatRoomID string `json:"chatRoomId"`
}

type MessageReadPayload struct {
	MessageID string   `json:"messageId"`
	ReadBy    []string `json:"readBy"`
}

type MessagesMarkedPayload struct {
	ChatRoomID string   `json:"chatRoomId"`
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

type MessageDeletedPayload struct {
	MessageID  string `json:"messageId"`
	ChatRoomID string `json:"chatRoomId"`
	DeletedBy  string `json:"deletedBy"`
}

type UserTypingPayload struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId"`
	IsTyping   bool   `json:"isTyping"`
	FirstName  string `json:"firstName,omitempty"`
}

type UserOnlinePayload struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId,omitempty"`
	IsOnline   bool   `json:"isOnline"`
}

// RoomCreatedPayload tolerates both payload shapes the server emits:
// a bare room object or `{chatRoom: {...}}`.
type RoomCreatedPayload struct {
	ChatRoom *ChatRoom `json:"chatRoom,omitempty"`
}

// DecodeRoomCreated extracts the room from either shape.
func DecodeRoomCreated(data json.RawMessage) (*ChatRoom, error) {
	var wrapped RoomCreatedPayload
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ChatRoom != nil && wrapped.ChatRoom.ID != "" {
		return wrapped.ChatRoom, nil
	}
	var room ChatRoom
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

type RoomUpdatedPayload struct {
	ChatRoomID      string   `json:"chatRoomId"`
	UpdatedChatRoom ChatRoom `json:"updatedChatRoom"`
	UpdatedBy       string   `json:"updatedBy"`
}

type ParticipantsAddedPayload struct {
	ChatRoomID      string        `json:"chatRoomId"`
	NewParticipants []Participant `json:"newParticipants"`
	AddedBy         string        `json:"addedBy"`
}

type ParticipantRemovedPayload struct {
	ChatRoomID    string `json:"chatRoomId"`
	RemovedUserID string `json:"removedUserId"`
	RemovedBy     string `json:"removedBy"`
}

type RemovedFromRoomPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	RemovedBy  string `json:"removedBy"`
}

type RoomDeletedPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	DeletedBy  string `json:"deletedBy"`
}

type RoomHiddenPayload struct {
	ChatRoomID string `json:"chatRoomId"`
}

type RoomRestoredPayload struct {
	ChatRoomID string `json:"chatRoomId"`
}

type UnreadCountPayload struct {
	UnreadCount int `json:"unreadCount"`
}

type RoleBroadcastPayload struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

type SendMessageCommand struct {
	ChatRoomID string     `json:"chatRoomId"`
	Content    string     `json:"content"`
	FileURL    string     `json:"fileUrl,omitempty"`
	FileName   string     `json:"fileName,omitempty"`
	FileSize   int64      `json:"fileSize,omitempty"`
	ReplyData  *ReplyData `json:"replyData,omitempty"`
}

type TypingCommand struct {
	ChatRoomID string `json:"chatRoomId"`
	IsTyping   bool   `json:"isTyping"`
}

type MessageReadCommand struct {
	MessageID  string `json:"messageId"`
	ChatRoomID string `json:"chatRoomId"`
}

type RoomCommand struct {
	ChatRoomID string `json:"chatRoomId"`
}

type UpdateRoomCommand struct {
	ChatRoomID string     `json:"chatRoomId"`
	Updates    RoomUpdate `json:"updates"`
}

type AddParticipantsCommand struct {
	ChatRoomID     string   `json:"chatRoomId"`
	ParticipantIDs []string `json:"participantIds"`
}

type RemoveParticipantCommand struct {
	ChatRoomID    string `json:"chatRoomId"`
	ParticipantID string `json:"participantId"`
}
