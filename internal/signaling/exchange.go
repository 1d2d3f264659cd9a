package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	rtapi "github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicegate/internal/credential"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/reliability"
)

var (
	ErrInvalidOffer = errors.New("invalid offer")
	ErrEmptyOffer   = fmt.Errorf("%w: no SDP provided", ErrInvalidOffer)
)

const maxAnswerBytes = 256 << 10

// Minter is the slice of the credential broker the exchanger needs.
type Minter interface {
	Mint(ctx context.Context, cfg realtime.SessionConfig) (*credential.Credential, error)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Answer is the upstream answer returned unchanged, plus the provider call id
// when the response carries one.
type Answer struct {
	SDP    string
	CallID string
}

// Exchanger performs the one-shot offer/answer handoff. It keeps no state
// after the answer is returned.
type Exchanger struct {
	cfg     Config
	minter  Minter
	client  openai.Client
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewExchanger(cfg Config, minter Minter, log zerolog.Logger, metrics *observability.Metrics) *Exchanger {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetrics("voicegate")
	}
	return &Exchanger{
		cfg:     cfg,
		minter:  minter,
		client:  realtime.NewAPIClient(realtime.APIConfig{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}),
		log:     log.With().Str("component", "signaling").Logger(),
		metrics: metrics,
	}
}

// ValidateOffer rejects empty bodies and anything that does not parse as an
// SDP offer with at least one media section.
func ValidateOffer(offer string) error {
	if strings.TrimSpace(offer) == "" {
		return ErrEmptyOffer
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrInvalidOffer)
	}
	return nil
}

// Exchange validates offer, mints a credential for cfg and posts the offer
// upstream exactly once, authenticated by that credential.
func (e *Exchanger) Exchange(ctx context.Context, cfg realtime.SessionConfig, offer string) (Answer, error) {
	if err := ValidateOffer(offer); err != nil {
		return Answer{}, err
	}

	cred, err := e.minter.Mint(ctx, cfg)
	if err != nil {
		return Answer{}, err
	}
	token, err := cred.Use()
	if err != nil {
		return Answer{}, err
	}

	started := time.Now()
	var res *http.Response
	if cred.Flow.UsesClientSecrets() {
		res, err = e.postCall(ctx, token, cred.Config(), offer)
	} else {
		res, err = e.postSession(ctx, token, cred.Config(), offer)
	}
	if err == nil {
		defer res.Body.Close()
	}
	answer, err := e.answer(res, err)
	e.metrics.ObserveStage(ctx, observability.StageSDPExchange, time.Since(started))
	if err != nil {
		e.log.Warn().Err(err).Msg("sdp exchange failed")
		return Answer{}, err
	}
	return answer, nil
}

// postCall sends the offer to the GA calls endpoint. The client secret already
// carries the full session, so only the model rides along.
func (e *Exchanger) postCall(ctx context.Context, token string, cfg realtime.SessionConfig, offer string) (*http.Response, error) {
	params := rtapi.CallNewParams{Sdp: offer}
	if cfg.Intent == realtime.IntentConversation && cfg.Model != "" {
		params.Session = rtapi.RealtimeSessionCreateRequestParam{Model: cfg.Model}
	}
	return e.client.Realtime.Calls.New(ctx, params, option.WithAPIKey(token))
}

// postSession sends a raw SDP body to the beta realtime endpoint, which the SDK
// does not model.
func (e *Exchanger) postSession(ctx context.Context, token string, cfg realtime.SessionConfig, offer string) (*http.Response, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(token),
		option.WithHeader("Accept", "application/sdp"),
		option.WithRequestBody("application/sdp", strings.NewReader(offer)),
	}
	if cfg.Model != "" {
		opts = append(opts, option.WithQuery("model", cfg.Model))
	}
	if cfg.Voice != "" && cfg.Intent == realtime.IntentConversation {
		opts = append(opts, option.WithQuery("voice", cfg.Voice))
	}
	var res *http.Response
	err := e.client.Post(ctx, "realtime", nil, &res, opts...)
	return res, err
}

func (e *Exchanger) answer(res *http.Response, err error) (Answer, error) {
	if err != nil {
		if ue, ok := reliability.FromAPIError("sdp exchange", err); ok {
			e.metrics.UpstreamErrors.WithLabelValues(observability.StageSDPExchange, fmt.Sprint(ue.Status)).Inc()
			return Answer{}, fmt.Errorf("%w: %w", reliability.ErrUpstreamTransport, ue)
		}
		e.metrics.UpstreamErrors.WithLabelValues(observability.StageSDPExchange, "transport").Inc()
		return Answer{}, fmt.Errorf("%w: send offer: %w", reliability.ErrUpstreamTransport, err)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxAnswerBytes))
	if err != nil {
		return Answer{}, fmt.Errorf("%w: read answer: %v", reliability.ErrUpstreamTransport, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return Answer{}, fmt.Errorf("%w: empty answer", reliability.ErrUpstreamTransport)
	}
	return Answer{SDP: string(body), CallID: callIDFromLocation(res.Header.Get("Location"))}, nil
}

func callIDFromLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	id := path.Base(strings.TrimRight(loc, "/"))
	if id == "." || id == "/" {
		return ""
	}
	return id
}
