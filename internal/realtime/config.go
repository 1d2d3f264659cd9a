package realtime

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// Intent scopes what a minted credential may be used for.
type Intent string

const (
	IntentConversation  Intent = "conversation"
	IntentTranscription Intent = "transcription"
)

// ParseIntent maps a client-supplied value onto a known intent, defaulting to
// conversation.
func ParseIntent(raw string) Intent {
	if strings.EqualFold(strings.TrimSpace(raw), string(IntentTranscription)) {
		return IntentTranscription
	}
	return IntentConversation
}

const DefaultInstructions = "You are the voice assistant for the hospital's AI platform. " +
	"Be concise, friendly and actionable. Use the available tools to guide the visitor through the site. " +
	"Avoid internal implementation details."

const focusHeader = "\n\nThe visitor is currently looking at: "

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type Transcription struct {
	Model string `json:"model"`
}

// ToolDefinition is a function tool advertised to the upstream model.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SessionConfig is the negotiated upstream session configuration. Treat it as
// a value: Clone before handing it to anything that outlives the caller.
type SessionConfig struct {
	Intent        Intent
	Model         string
	Voice         string
	Instructions  string
	Transcription Transcription
	TurnDetection TurnDetection
	Tools         []ToolDefinition
}

func (c SessionConfig) Clone() SessionConfig {
	out := c
	if c.Tools != nil {
		out.Tools = make([]ToolDefinition, len(c.Tools))
		for i, t := range c.Tools {
			t.Parameters = append(json.RawMessage(nil), t.Parameters...)
			out.Tools[i] = t
		}
	}
	return out
}

// Defaults holds deployment-level settings every session config starts from.
type Defaults struct {
	Model               string
	Voice               string
	TranscriptionModel  string
	Instructions        string
	MaxInstructionChars int
	VADThreshold        float64
	VADPrefixPadding    time.Duration
	VADSilence          time.Duration
	Tools               []ToolDefinition
}

// Build assembles a session config. Focus text is appended to the base
// instructions and the result is capped at MaxInstructionChars runes; the
// base text wins when both do not fit.
func (d Defaults) Build(intent Intent, focus string) SessionConfig {
	base := strings.TrimSpace(d.Instructions)
	if base == "" {
		base = DefaultInstructions
	}
	instructions := base
	if f := strings.Join(strings.Fields(focus), " "); f != "" {
		instructions = base + focusHeader + f
	}
	instructions = truncateRunes(instructions, d.MaxInstructionChars)

	cfg := SessionConfig{
		Intent:        intent,
		Model:         d.Model,
		Voice:         d.Voice,
		Instructions:  instructions,
		Transcription: Transcription{Model: d.TranscriptionModel},
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         d.VADThreshold,
			PrefixPaddingMS:   int(d.VADPrefixPadding.Milliseconds()),
			SilenceDurationMS: int(d.VADSilence.Milliseconds()),
		},
	}
	if intent == IntentConversation {
		cfg.Tools = d.Tools
	}
	return cfg.Clone()
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
