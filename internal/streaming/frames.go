package streaming

import "time"

// Frame types pushed to clients over the WebSocket.
const (
	FrameMessage               = "message"
	FrameMessageStart          = "message_start"
	FrameMessageChunk          = "message_chunk"
	FrameMetaInfoUpdate        = "meta_info_update"
	FrameMessageComplete       = "message_complete"
	FrameError                 = "error"
	FrameSubscriptionConfirmed = "subscription_confirmed"
	FrameNoActiveStream        = "no_active_stream"
	FramePong                  = "pong"
)

// Frame is one JSON message on the client socket. Fields not used by a
// given frame type are omitted from the encoding.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// UserEchoFrame echoes a persisted user turn back to the sender.
func UserEchoFrame(id, content, chatID string, createdAt time.Time) Frame {
	return Frame{
		Type:      FrameMessage,
		ID:        id,
		Role:      "user",
		Content:   content,
		ChatID:    chatID,
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
	}
}

func messageStartFrame(streamID, chatID string) Frame {
	return Frame{Type: FrameMessageStart, Role: "assistant", StreamID: streamID, ChatID: chatID}
}

func chunkFrame(content, streamID, chatID string) Frame {
	return Frame{Type: FrameMessageChunk, Content: content, StreamID: streamID, ChatID: chatID}
}

func metaInfoFrame(content, streamID, chatID string) Frame {
	return Frame{Type: FrameMetaInfoUpdate, Content: content, StreamID: streamID, ChatID: chatID}
}

func completeFrame(streamID, chatID string) Frame {
	return Frame{Type: FrameMessageComplete, StreamID: streamID, ChatID: chatID}
}

func errorFrame(message, streamID, chatID string) Frame {
	return Frame{Type: FrameError, Message: message, StreamID: streamID, ChatID: chatID}
}

// ErrorFrame builds an error frame for dispatcher-level failures that are
// not tied to a stream.
func ErrorFrame(message, chatID string) Frame {
	return Frame{Type: FrameError, Message: message, ChatID: chatID}
}

// SubscriptionConfirmedFrame acknowledges a subscribe on a running stream.
func SubscriptionConfirmedFrame(streamID, chatID string) Frame {
	return Frame{Type: FrameSubscriptionConfirmed, StreamID: streamID, ChatID: chatID}
}

// NoActiveStreamFrame reports that a chat has no running stream.
func NoActiveStreamFrame(chatID string) Frame {
	return Frame{Type: FrameNoActiveStream, ChatID: chatID}
}

// PongFrame answers a client ping.
func PongFrame() Frame {
	return Frame{Type: FramePong}
}
