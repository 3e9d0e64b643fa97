// Package message defines the durable message record and the store boundary
// the gateway persists through. Messages are append-only; only read/delivered
// status and the soft-delete flag ever change after insert.
package message

import (
	"context"
	"errors"
	"time"
)

type ID string

// Channel is one of the fixed logical topics connections subscribe to.
type Channel string

const (
	ChannelVox      Channel = "vox"
	ChannelCouriers Channel = "couriers"
	ChannelSupport  Channel = "support"
	ChannelDefault  Channel = "default"
)

func Channels() []Channel {
	return []Channel{ChannelVox, ChannelCouriers, ChannelSupport, ChannelDefault}
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelVox, ChannelCouriers, ChannelSupport, ChannelDefault:
		return true
	}
	return false
}

type ContentType string

const (
	ContentText   ContentType = "text"
	ContentVoice  ContentType = "voice"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentVoice, ContentImage, ContentFile, ContentSystem:
		return true
	}
	return false
}

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderSystem SenderType = "system"
	SenderAI     SenderType = "ai"
)

func (t SenderType) Valid() bool {
	switch t {
	case SenderUser, SenderSystem, SenderAI:
		return true
	}
	return false
}

// Message is one durable communication record.
//
// RecipientID empty means broadcast to channel subscribers; when set, the
// message is delivered only to connections whose principal or association id
// matches, never to channel-wide subscribers.
type Message struct {
	ID             ID          `json:"id"`
	Channel        Channel     `json:"channel"`
	ConversationID string      `json:"conversation_id,omitempty"`
	SenderID       string      `json:"sender"`
	SenderName     string      `json:"sender_name,omitempty"`
	SenderType     SenderType  `json:"sender_type"`
	RecipientID    string      `json:"recipient,omitempty"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"content_type"`
	Delivered      bool        `json:"delivered"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	Read           bool        `json:"read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	Sequence       int64       `json:"sequence,omitempty"`
	ClientMsgID    string      `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Deleted        bool        `json:"-"`
}

var (
	ErrNotFound     = errors.New("message not found")
	ErrInvalidInput = errors.New("invalid message")
)

// Repository is the store boundary. Save is idempotent on ClientMsgID:
// submitting the same client id twice persists one record and returns the
// first record both times.
type Repository interface {
	Save(ctx context.Context, msg Message) (Message, error)
	GetByID(ctx context.Context, id ID) (Message, error)
	History(ctx context.Context, ch Channel, conversationID string, limit int, before time.Time) ([]Message, error)
	Unread(ctx context.Context, recipientID string) ([]Message, error)
	MarkRead(ctx context.Context, recipientID, senderID string) (int64, error)
	MarkDelivered(ctx context.Context, id ID, at time.Time) error
	SoftDelete(ctx context.Context, id ID) error
}

// Validate checks the fields a caller controls before persistence.
func (m Message) Validate() error {
	if !m.Channel.Valid() {
		return ErrInvalidInput
	}
	if m.SenderID == "" || m.Content == "" {
		return ErrInvalidInput
	}
	if m.ContentType != "" && !m.ContentType.Valid() {
		return ErrInvalidInput
	}
	if m.SenderType != "" && !m.SenderType.Valid() {
		return ErrInvalidInput
	}
	return nil
}
