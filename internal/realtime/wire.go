package realtime

import (
	"encoding/json"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
	rtapi "github.com/openai/openai-go/v3/realtime"
	"github.com/openai/openai-go/v3/responses"
)

// Payloads for the direct session-creation flow ("sessions" endpoints). The
// provider SDK only models the client-secret surface, so these stay local.

type BetaSession struct {
	Model                   string           `json:"model,omitempty"`
	Voice                   string           `json:"voice,omitempty"`
	Instructions            string           `json:"instructions,omitempty"`
	Modalities              []string         `json:"modalities,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format"`
	OutputAudioFormat       string           `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription   `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection   `json:"turn_detection,omitempty"`
	Tools                   []ToolDefinition `json:"tools,omitempty"`
	ToolChoice              string           `json:"tool_choice,omitempty"`
}

// BetaSessionFor renders cfg for the sessions and transcription_sessions
// endpoints and for session.update over the relay socket.
func BetaSessionFor(cfg SessionConfig) BetaSession {
	transcription := cfg.Transcription
	turn := cfg.TurnDetection
	s := BetaSession{
		InputAudioFormat:        "pcm16",
		InputAudioTranscription: &transcription,
		TurnDetection:           &turn,
	}
	if cfg.Intent == IntentTranscription {
		return s
	}
	s.Model = cfg.Model
	s.Voice = cfg.Voice
	s.Instructions = cfg.Instructions
	s.Modalities = []string{"audio", "text"}
	s.OutputAudioFormat = "pcm16"
	s.Tools = cfg.Tools
	if len(cfg.Tools) > 0 {
		s.ToolChoice = "auto"
	}
	return s
}

// Session parameters for the client-secret flow and the calls endpoint.

func pcmFormat() rtapi.RealtimeAudioFormatsUnionParam {
	return rtapi.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &rtapi.RealtimeAudioFormatsAudioPCMParam{Type: "audio/pcm", Rate: 24000},
	}
}

// ClientSecretSession renders cfg as the session half of a client_secrets
// request, which is also the payload of a session.update on a client-secret
// socket.
func ClientSecretSession(cfg SessionConfig) rtapi.ClientSecretNewParamsSessionUnion {
	if cfg.Intent == IntentTranscription {
		turn := cfg.TurnDetection
		return rtapi.ClientSecretNewParamsSessionUnion{OfTranscription: &rtapi.RealtimeTranscriptionSessionCreateRequestParam{
			Audio: rtapi.RealtimeTranscriptionSessionAudioParam{Input: rtapi.RealtimeTranscriptionSessionAudioInputParam{
				Format:        pcmFormat(),
				Transcription: rtapi.AudioTranscriptionParam{Model: rtapi.AudioTranscriptionModel(cfg.Transcription.Model)},
				TurnDetection: rtapi.RealtimeTranscriptionSessionAudioInputTurnDetectionUnionParam{
					OfServerVad: &rtapi.RealtimeTranscriptionSessionAudioInputTurnDetectionServerVadParam{
						Threshold:         openai.Float(turn.Threshold),
						PrefixPaddingMs:   openai.Int(int64(turn.PrefixPaddingMS)),
						SilenceDurationMs: openai.Int(int64(turn.SilenceDurationMS)),
					},
				},
			}},
		}}
	}
	s := ConversationSession(cfg)
	return rtapi.ClientSecretNewParamsSessionUnion{OfRealtime: &s}
}

// ConversationSession renders a conversation config. Transcription configs have
// no representation here; callers branch on Intent first.
func ConversationSession(cfg SessionConfig) rtapi.RealtimeSessionCreateRequestParam {
	turn := cfg.TurnDetection
	s := rtapi.RealtimeSessionCreateRequestParam{
		Model:            cfg.Model,
		OutputModalities: []string{"audio"},
		Audio: rtapi.RealtimeAudioConfigParam{
			Input: rtapi.RealtimeAudioConfigInputParam{
				Format:        pcmFormat(),
				Transcription: rtapi.AudioTranscriptionParam{Model: rtapi.AudioTranscriptionModel(cfg.Transcription.Model)},
				TurnDetection: rtapi.RealtimeAudioInputTurnDetectionUnionParam{
					OfServerVad: &rtapi.RealtimeAudioInputTurnDetectionServerVadParam{
						Threshold:         openai.Float(turn.Threshold),
						PrefixPaddingMs:   openai.Int(int64(turn.PrefixPaddingMS)),
						SilenceDurationMs: openai.Int(int64(turn.SilenceDurationMS)),
					},
				},
			},
			Output: rtapi.RealtimeAudioConfigOutputParam{
				Format: pcmFormat(),
				Voice:  rtapi.RealtimeAudioConfigOutputVoiceUnionParam{OfString: openai.String(cfg.Voice)},
			},
		},
	}
	if cfg.Instructions != "" {
		s.Instructions = openai.String(cfg.Instructions)
	}
	for _, t := range cfg.Tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			// Definitions are generated from Go types and always decode.
			_ = json.Unmarshal(t.Parameters, &params)
		}
		fn := &rtapi.RealtimeFunctionToolParam{
			Type:       rtapi.RealtimeFunctionToolTypeFunction,
			Name:       openai.String(t.Name),
			Parameters: params,
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		s.Tools = append(s.Tools, rtapi.RealtimeToolsConfigUnionParam{OfFunction: fn})
	}
	if len(cfg.Tools) > 0 {
		s.ToolChoice = rtapi.RealtimeToolChoiceConfigUnionParam{
			OfToolChoiceMode: param.NewOpt(responses.ToolChoiceOptionsAuto),
		}
	}
	return s
}
