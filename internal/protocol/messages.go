package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/voicegate/internal/audio"
)

// MessageType identifies socket-channel payload variants.
type MessageType string

const (
	TypeConnect          MessageType = "connect"
	TypeDisconnect       MessageType = "disconnect"
	TypeAudioData        MessageType = "audio_data"
	TypeTranscriptUpdate MessageType = "transcript_update"
	TypeToolCall         MessageType = "tool_call"
	TypeError            MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioData carries one base64 PCM16 chunk (24 kHz mono) from the browser.
type AudioData struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type Disconnect struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type Connect struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type TranscriptUpdate struct {
	Type  MessageType `json:"type"`
	Text  string      `json:"text"`
	Role  string      `json:"role,omitempty"`
	Final bool        `json:"final"`
}

// ToolCall asks the browser to perform a validated UI intent.
type ToolCall struct {
	Type      MessageType     `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Invalid stands in for an inbound message that failed to parse so the
// session owner can answer it in order.
type Invalid struct {
	Reason string
}

type Error struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Code      string      `json:"code,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

func NewConnect(sessionID string) Connect {
	return Connect{Type: TypeConnect, SessionID: sessionID}
}

func NewDisconnect(reason string) Disconnect {
	return Disconnect{Type: TypeDisconnect, Reason: reason}
}

func NewTranscriptUpdate(text, role string, final bool) TranscriptUpdate {
	return TranscriptUpdate{Type: TypeTranscriptUpdate, Text: text, Role: role, Final: final}
}

func NewToolCall(callID, name string, args json.RawMessage) ToolCall {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return ToolCall{Type: TypeToolCall, CallID: callID, Name: name, Arguments: args}
}

func NewError(message, code string, retryable bool) Error {
	return Error{Type: TypeError, Message: message, Code: code, Retryable: retryable}
}

// ParseClientMessage decodes an inbound browser message into AudioData or
// Disconnect.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeAudioData:
		var msg AudioData
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg.Audio = strings.TrimSpace(msg.Audio)
		if msg.Audio == "" {
			return nil, fmt.Errorf("%w: audio_data without audio", ErrInvalidMessage)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio is not base64: %v", ErrInvalidMessage, err)
		}
		if !audio.Aligned(pcm) {
			return nil, fmt.Errorf("%w: audio is not whole pcm16 samples", ErrInvalidMessage)
		}
		return msg, nil
	case TypeDisconnect:
		var msg Disconnect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
