package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/reliability"
)

var ErrInvalidImage = errors.New("invalid image data url")

const (
	stylePrefix = "You are a helpful voice assistant for the hospital's AI platform. " +
		"Be concise, friendly, and actionable. Avoid internal implementation details."
	defaultExplainPrompt = "Explain what's shown and how to use it, step by step, concisely."
	explainFallback      = "Sorry, I couldn't generate an explanation for that element."
	queryStyle           = "You generate exactly ONE short user query (a single sentence, under 160 characters). " +
		"Do NOT answer the question. Do NOT add quotes. Prefer mentioning the app's name if known. No extra text."
	maxQueryChars = 180
)

type VisionConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	MaxImageBytes int
}

// VisionClient asks a multimodal model about a single screenshot.
type VisionClient struct {
	cfg     VisionConfig
	client  openai.Client
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewVisionClient(cfg VisionConfig, log zerolog.Logger, metrics *observability.Metrics) *VisionClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 4 << 20
	}
	if metrics == nil {
		metrics = observability.NewMetrics("voicegate")
	}
	return &VisionClient{
		cfg:     cfg,
		client:  realtime.NewAPIClient(realtime.APIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}),
		log:     log.With().Str("component", "vision").Logger(),
		metrics: metrics,
	}
}

func (v *VisionClient) Model() string { return v.cfg.Model }

// ValidateImageDataURL checks that raw is a base64 image data URL no larger
// than maxBytes once decoded.
func ValidateImageDataURL(raw string, maxBytes int) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	header, payload, ok := strings.Cut(raw, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return fmt.Errorf("%w: expected data:<mime>;base64,<payload>", ErrInvalidImage)
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidImage, maxBytes)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if maxBytes > 0 && len(decoded) > maxBytes {
		return fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidImage, maxBytes)
	}
	if ct := http.DetectContentType(decoded); !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("%w: payload is %s", ErrInvalidImage, ct)
	}
	return nil
}

// Ask sends prompt plus the image and returns the model's text. The call is
// bounded by the client's own timeout; exceeding it yields
// ErrToolExecutionTimeout.
func (v *VisionClient) Ask(ctx context.Context, imageDataURL, prompt string) (string, error) {
	if err := ValidateImageDataURL(imageDataURL, v.cfg.MaxImageBytes); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	started := time.Now()
	defer func() { v.metrics.ObserveStage(ctx, observability.StageVisionCall, time.Since(started)) }()

	res, err := v.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: v.cfg.Model,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: responses.ResponseInputParam{
			responses.ResponseInputItemParamOfMessage(responses.ResponseInputMessageContentListParam{
				responses.ResponseInputContentParamOfInputText(prompt),
				{OfInputImage: &responses.ResponseInputImageParam{
					Detail:   responses.ResponseInputImageDetailAuto,
					ImageURL: openai.String(imageDataURL),
				}},
			}, responses.EasyInputMessageRoleUser),
		}},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			v.metrics.UpstreamErrors.WithLabelValues(observability.StageVisionCall, "timeout").Inc()
			return "", fmt.Errorf("%w: vision call exceeded %s", ErrToolExecutionTimeout, v.cfg.Timeout)
		}
		if ue, ok := reliability.FromAPIError("vision call", err); ok {
			v.metrics.UpstreamErrors.WithLabelValues(observability.StageVisionCall, fmt.Sprint(ue.Status)).Inc()
			return "", ue
		}
		return "", fmt.Errorf("vision call: %w", err)
	}
	return strings.TrimSpace(res.OutputText()), nil
}

// Explain describes a page element for the visitor.
func (v *VisionClient) Explain(ctx context.Context, imageDataURL, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = defaultExplainPrompt
	}
	text, err := v.Ask(ctx, imageDataURL, stylePrefix+"\n\n"+prompt)
	if err != nil {
		return "", err
	}
	if text == "" {
		return explainFallback, nil
	}
	return text, nil
}

// ElementMeta describes the application shown in an element-query screenshot.
type ElementMeta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Link        string `json:"link"`
}

// Query produces one short question the visitor could ask about the element.
func (v *VisionClient) Query(ctx context.Context, imageDataURL string, meta ElementMeta) (string, error) {
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = "this application"
	}
	prompt := fmt.Sprintf("%s\n\nContext:\n- App name: %s\n- App description: %s\n- Launch URL: %s\n\n"+
		"Task: Based on the screenshot and context, produce ONE helpful question to ask an assistant about how to use this app.",
		queryStyle, name, meta.Description, meta.Link)

	text, err := v.Ask(ctx, imageDataURL, prompt)
	if err != nil {
		return "", err
	}
	if text == "" {
		text = fmt.Sprintf("How do I use %s to get started?", name)
	}
	return capQuery(text), nil
}

func capQuery(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > maxQueryChars {
		return string(r[:maxQueryChars])
	}
	return s
}
