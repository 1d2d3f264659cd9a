package realtime

import rtapi "github.com/openai/openai-go/v3/realtime"

// Server event types the gateway cares about. Both the beta and GA spellings
// of the assistant transcript events are accepted.
const (
	EventInputTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	EventAudioTranscriptDelta     = "response.audio_transcript.delta"
	EventAudioTranscriptDone      = "response.audio_transcript.done"
	EventOutputTranscriptDelta    = "response.output_audio_transcript.delta"
	EventOutputTranscriptDone     = "response.output_audio_transcript.done"
	EventTextDelta                = "response.text.delta"
	EventTextDone                 = "response.text.done"
	EventOutputTextDelta          = "response.output_text.delta"
	EventOutputTextDone           = "response.output_text.done"
	EventFunctionCallArgsDone     = "response.function_call_arguments.done"
	EventOutputItemDone           = "response.output_item.done"
	EventError                    = "error"
)

// Client event types sent upstream.
const (
	ClientSessionUpdate          = "session.update"
	ClientInputAudioAppend       = "input_audio_buffer.append"
	ClientConversationItemCreate = "conversation.item.create"
	ClientResponseCreate         = "response.create"
)

type ErrorDetail struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
	Param       string `json:"param,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	Fatal       *bool  `json:"fatal,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

type OutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ServerEvent is the union of upstream event fields the router reads.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Text       string       `json:"text,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Item       *OutputItem  `json:"item,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

type SessionUpdate struct {
	Type    string      `json:"type"`
	Session BetaSession `json:"session"`
}

type GASessionUpdate struct {
	Type    string                                  `json:"type"`
	Session rtapi.ClientSecretNewParamsSessionUnion `json:"session"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type FunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type ConversationItemCreate struct {
	Type string             `json:"type"`
	Item FunctionCallOutput `json:"item"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

func NewInputAudioAppend(audioBase64 string) InputAudioAppend {
	return InputAudioAppend{Type: ClientInputAudioAppend, Audio: audioBase64}
}

func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: ClientConversationItemCreate,
		Item: FunctionCallOutput{Type: "function_call_output", CallID: callID, Output: output},
	}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: ClientResponseCreate}
}
