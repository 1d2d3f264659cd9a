// Command voicebench streams a WAV clip through the relay socket and reports
// how long the gateway took to go active and to return the first transcript.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicegate/internal/audio"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
)

type options struct {
	baseURL     string
	sessionID   string
	visitorID   string
	wavPath     string
	silence     time.Duration
	chunk       time.Duration
	realtime    float64
	wait        time.Duration
	showPerf    bool
	logLevel    string
	dialTimeout time.Duration
}

type report struct {
	SessionID       string        `json:"session_id"`
	ConnectLatency  time.Duration `json:"connect_latency_ns"`
	FirstTranscript time.Duration `json:"first_transcript_ns,omitempty"`
	ChunksSent      int           `json:"chunks_sent"`
	Transcripts     []string      `json:"transcripts,omitempty"`
	ToolCalls       []string      `json:"tool_calls,omitempty"`
	Errors          []string      `json:"errors,omitempty"`
	CloseReason     string        `json:"close_reason,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebench: %v\n", err)
		os.Exit(2)
	}
	log := observability.NewLogger(cfg.logLevel, "console", os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rep, err := run(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("bench failed")
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)

	if cfg.showPerf {
		if err := printPerf(ctx, cfg.baseURL, os.Stdout); err != nil {
			log.Warn().Err(err).Msg("perf snapshot unavailable")
		}
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("voicebench", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8813", "gateway base URL")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session id to request (generated by the gateway when empty)")
	fs.StringVar(&cfg.visitorID, "visitor-id", "", "visitor id whose stored focus is folded into instructions")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV clip to stream (silence when empty)")
	fs.DurationVar(&cfg.silence, "silence", time.Second, "silence length streamed when -wav is empty")
	fs.DurationVar(&cfg.chunk, "chunk", 40*time.Millisecond, "audio chunk length")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.wait, "wait", 8*time.Second, "how long to wait for transcripts after the clip")
	fs.DurationVar(&cfg.dialTimeout, "dial-timeout", 20*time.Second, "websocket dial timeout")
	fs.BoolVar(&cfg.showPerf, "perf", true, "print /v1/perf/latency after the run")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.chunk < 10*time.Millisecond || cfg.chunk > 2*time.Second {
		return options{}, fmt.Errorf("chunk must be in [10ms,2s]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	return cfg, nil
}

func loadClip(cfg options) ([]byte, error) {
	if strings.TrimSpace(cfg.wavPath) == "" {
		return audio.Silence(cfg.silence, audio.RealtimeSampleRate), nil
	}
	raw, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, err
	}
	return audio.Resample(pcm, rate, audio.RealtimeSampleRate), nil
}

func wsURL(baseURL, sessionID, visitorID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/ws"
	q := u.Query()
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if visitorID != "" {
		q.Set("visitorId", visitorID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type inboundEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Text      string          `json:"text"`
	Role      string          `json:"role"`
	Final     bool            `json:"final"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Message   string          `json:"message"`
	Reason    string          `json:"reason"`
}

func run(ctx context.Context, cfg options, log zerolog.Logger) (report, error) {
	var rep report

	clip, err := loadClip(cfg)
	if err != nil {
		return rep, fmt.Errorf("prepare clip: %w", err)
	}
	target, err := wsURL(cfg.baseURL, cfg.sessionID, cfg.visitorID)
	if err != nil {
		return rep, fmt.Errorf("build ws URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.dialTimeout}
	started := time.Now()
	conn, res, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if res != nil {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			return rep, fmt.Errorf("open websocket: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		return rep, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan inboundEvent, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	first, err := next(ctx, events, readErr, cfg.dialTimeout)
	if err != nil {
		return rep, fmt.Errorf("await connect: %w", err)
	}
	if first.Type != string(protocol.TypeConnect) {
		return rep, fmt.Errorf("expected connect, got %s %s", first.Type, first.Message)
	}
	rep.SessionID = first.SessionID
	rep.ConnectLatency = time.Since(started)
	log.Info().Str("session_id", rep.SessionID).Dur("connect", rep.ConnectLatency).Msg("relay session active")

	streamStart := time.Now()
	pace := time.Duration(float64(cfg.chunk) / cfg.realtime)
	for _, chunk := range audio.Chunks(clip, audio.RealtimeSampleRate, cfg.chunk) {
		msg := protocol.AudioData{Type: protocol.TypeAudioData, Audio: base64.StdEncoding.EncodeToString(chunk)}
		if err := conn.WriteJSON(msg); err != nil {
			return rep, fmt.Errorf("send audio: %w", err)
		}
		rep.ChunksSent++
		drain(&rep, events, streamStart)
		time.Sleep(pace)
	}
	log.Info().Int("chunks", rep.ChunksSent).Dur("clip", audio.Duration(clip, audio.RealtimeSampleRate)).Msg("clip streamed")

	deadline := time.Now().Add(cfg.wait)
	for time.Now().Before(deadline) {
		ev, err := next(ctx, events, readErr, time.Until(deadline))
		if err != nil {
			break
		}
		if record(&rep, ev, streamStart) {
			return rep, nil
		}
	}

	if err := conn.WriteJSON(protocol.NewDisconnect("bench_complete")); err != nil {
		return rep, nil
	}
	for {
		ev, err := next(ctx, events, readErr, 5*time.Second)
		if err != nil {
			return rep, nil
		}
		if record(&rep, ev, streamStart) {
			return rep, nil
		}
	}
}

// record folds one event into the report and reports whether the session closed.
func record(rep *report, ev inboundEvent, streamStart time.Time) bool {
	switch ev.Type {
	case string(protocol.TypeTranscriptUpdate):
		if rep.FirstTranscript == 0 {
			rep.FirstTranscript = time.Since(streamStart)
		}
		if ev.Final {
			rep.Transcripts = append(rep.Transcripts, ev.Role+": "+ev.Text)
		}
	case string(protocol.TypeToolCall):
		rep.ToolCalls = append(rep.ToolCalls, ev.Name+" "+string(ev.Arguments))
	case string(protocol.TypeError):
		rep.Errors = append(rep.Errors, ev.Message)
	case string(protocol.TypeDisconnect):
		rep.CloseReason = ev.Reason
		return true
	}
	return false
}

func drain(rep *report, events <-chan inboundEvent, streamStart time.Time) {
	for {
		select {
		case ev := <-events:
			record(rep, ev, streamStart)
		default:
			return
		}
	}
}

func next(ctx context.Context, events <-chan inboundEvent, readErr <-chan error, timeout time.Duration) (inboundEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-events:
		return ev, nil
	case err := <-readErr:
		return inboundEvent{}, err
	case <-timer.C:
		return inboundEvent{}, fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return inboundEvent{}, ctx.Err()
	}
}

func readLoop(conn *websocket.Conn, events chan<- inboundEvent, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		events <- ev
	}
}

func printPerf(ctx context.Context, baseURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errors.New(res.Status)
	}
	var snap observability.EstablishSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return err
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(w, "%-10s %-16s n=%-4d p50=%.1fms p95=%.1fms max=%.1fms over=%d\n",
			st.Transport, st.Stage, st.Samples, st.P50MS, st.P95MS, st.MaxMS, st.OverBudget)
	}
	for _, o := range snap.Outcomes {
		fmt.Fprintf(w, "%-10s minted=%d failed=%d rate_limited=%d\n", o.Transport, o.Minted, o.Failed, o.RateLimited)
	}
	return nil
}
