package ws

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/voxgate/voxgate/internal/message"
)

// Inbound frame kinds.
const (
	frameAuth        = "auth"
	frameProbeAck    = "liveness-probe-ack"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSendMessage = "send-message"
)

// Outbound frame kinds.
const (
	frameConnectionAck   = "connection-ack"
	frameProbe           = "liveness-probe"
	frameMessage         = "message"
	frameSubscriptionAck = "subscription-ack"
	frameError           = "error"
	frameShuttingDown    = "server-shutting-down"
)

type inboundFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	Channel        string `json:"channel,omitempty"`
	AssociationID  string `json:"association_id,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	FetchHistory   bool   `json:"fetch_history,omitempty"`
	HistoryLimit   int    `json:"history_limit,omitempty"`
}

type connectionAckFrame struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	PrincipalID  string    `json:"principal_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type probeFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type messageFrame struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
	History bool            `json:"history,omitempty"`
}

type subscriptionAckFrame struct {
	Type       string          `json:"type"`
	Channel    message.Channel `json:"channel"`
	Subscribed bool            `json:"subscribed"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type shuttingDownFrame struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func decodeInbound(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, err
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return inboundFrame{}, errors.New("frame type is required")
	}
	return f, nil
}
