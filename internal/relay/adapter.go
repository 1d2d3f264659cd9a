package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicegate/internal/credential"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/router"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/tools"
)

// Close reasons reported in the final disconnect message.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonEnded            = "ended"
	ReasonUpstreamError    = "upstream_error"
	ReasonUpstreamClosed   = "upstream_closed"
)

var (
	errClientGone      = errors.New("client channel closed")
	errClientRequested = errors.New("client requested disconnect")
	errFatalNotice     = errors.New("fatal upstream error event")
)

type Minter interface {
	Mint(ctx context.Context, cfg realtime.SessionConfig) (*credential.Credential, error)
}

type Dispatcher interface {
	Execute(ctx context.Context, sessionID string, call tools.Call) tools.Result
}

type Router interface {
	Route(sessionID string, raw []byte) (router.Routed, error)
}

type Config struct {
	WSURL        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Adapter relays one browser session to the provider's realtime socket for
// the session's whole lifetime.
type Adapter struct {
	cfg        Config
	minter     Minter
	router     Router
	dispatcher Dispatcher
	sessions   session.Registry
	dialer     *websocket.Dialer
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewAdapter(cfg Config, minter Minter, rt Router, dispatcher Dispatcher, sessions session.Registry, log zerolog.Logger, metrics *observability.Metrics) *Adapter {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetrics("voicegate")
	}
	return &Adapter{
		cfg:        cfg,
		minter:     minter,
		router:     rt,
		dispatcher: dispatcher,
		sessions:   sessions,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		log:     log.With().Str("component", "relay").Logger(),
		metrics: metrics,
	}
}

// Run drives sess from CONNECTING to CLOSED. The caller registers sess and
// owns both channels; Run is the only writer to outbound and never closes it.
// Closing inbound ends the session as a client disconnect. On return the
// session has been released and removed from the registry. A session that is
// already CLOSED is rejected before any credential is minted.
func (a *Adapter) Run(ctx context.Context, sess *session.Session, cfg realtime.SessionConfig, inbound <-chan any, outbound chan<- any) error {
	if sess.State() == session.StateClosed {
		return fmt.Errorf("%w: session %s already closed", session.ErrInvalidTransition, sess.ID)
	}
	log := a.log.With().Str("session_id", sess.ID).Logger()
	ctx = observability.WithTransport(ctx, string(session.TransportRelay))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.BindCancel(cancel)

	started := time.Now()
	up, err := a.establish(ctx, sess, cfg)
	if err != nil {
		_ = sess.Transition(session.StateClosed)
		_ = sess.ReleaseUpstream()
		a.sessions.Remove(sess.ID)
		a.metrics.SessionEvents.WithLabelValues("establish_failed").Inc()
		log.Warn().Err(err).Msg("relay establishment failed")
		a.emitFinal(outbound, protocol.NewError(clientMessage(err), errorCode(err), retryable(err)))
		return err
	}

	if err := sess.Transition(session.StateActive); err != nil {
		a.teardown(sess, up, outbound, ReasonEnded)
		return err
	}
	kind := string(session.TransportRelay)
	a.metrics.ActiveSessions.WithLabelValues(kind).Inc()
	a.metrics.SessionEvents.WithLabelValues("active").Inc()
	a.metrics.ObserveEstablish(kind, time.Since(started))
	log.Info().Dur("establish", time.Since(started)).Msg("relay session active")

	a.emit(ctx, outbound, protocol.NewConnect(sess.ID))

	runErr := a.pump(ctx, sess, up, inbound, outbound)

	reason := ReasonEnded
	switch {
	case errors.Is(runErr, errClientGone), errors.Is(runErr, errClientRequested):
		reason = ReasonClientDisconnect
		runErr = nil
	case errors.Is(runErr, errFatalNotice):
		reason = ReasonUpstreamError
	case errors.Is(runErr, reliability.ErrUpstreamTransport):
		reason = ReasonUpstreamError
		log.Warn().Err(runErr).Msg("relay transport failed")
		a.emitFinal(outbound, protocol.NewError(clientMessage(runErr), errorCode(runErr), false))
	case runErr != nil:
		reason = ReasonUpstreamClosed
	}

	a.metrics.ActiveSessions.WithLabelValues(kind).Dec()
	a.teardown(sess, up, outbound, reason)
	log.Info().Str("reason", reason).Msg("relay session closed")
	return runErr
}

func (a *Adapter) establish(ctx context.Context, sess *session.Session, cfg realtime.SessionConfig) (*upstream, error) {
	cred, err := a.minter.Mint(ctx, cfg)
	if err != nil {
		return nil, err
	}
	token, err := cred.Use()
	if err != nil {
		return nil, err
	}
	cfg = cred.Config()

	u, err := url.Parse(a.cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse ws url: %v", reliability.ErrUpstreamTransport, err)
	}
	if cfg.Model != "" && u.Query().Get("model") == "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	if !cred.Flow.UsesClientSecrets() {
		headers.Set("OpenAI-Beta", "realtime=v1")
	}

	dialStarted := time.Now()
	conn, res, err := a.dialer.DialContext(ctx, u.String(), headers)
	a.metrics.ObserveStage(ctx, observability.StageUpstreamDial, time.Since(dialStarted))
	if err != nil {
		if res != nil && res.Body != nil {
			defer res.Body.Close()
			a.metrics.UpstreamErrors.WithLabelValues(observability.StageUpstreamDial, fmt.Sprint(res.StatusCode)).Inc()
			return nil, fmt.Errorf("%w: %w", reliability.ErrUpstreamTransport, reliability.ReadUpstreamError("relay dial", res))
		}
		a.metrics.UpstreamErrors.WithLabelValues(observability.StageUpstreamDial, "transport").Inc()
		return nil, fmt.Errorf("%w: dial: %v", reliability.ErrUpstreamTransport, err)
	}

	up := newUpstream(conn, a.cfg.WriteTimeout)
	if err := sess.AttachUpstream(up); err != nil {
		_ = up.Close()
		return nil, err
	}
	sess.SetUpstreamRef(cred.UpstreamSessionID)

	var update any = realtime.SessionUpdate{Type: realtime.ClientSessionUpdate, Session: realtime.BetaSessionFor(cfg)}
	if cred.Flow.UsesClientSecrets() {
		update = realtime.GASessionUpdate{Type: realtime.ClientSessionUpdate, Session: realtime.ClientSecretSession(cfg)}
	}
	if err := up.writeJSON(update); err != nil {
		return nil, fmt.Errorf("%w: session.update: %v", reliability.ErrUpstreamTransport, err)
	}
	return up, nil
}

// pump runs the two forwarding flows plus the tool worker until one of them
// ends the session.
func (a *Adapter) pump(ctx context.Context, sess *session.Session, up *upstream, inbound <-chan any, outbound chan<- any) error {
	g, gctx := errgroup.WithContext(ctx)
	calls := make(chan tools.Call, 16)

	g.Go(func() error {
		<-gctx.Done()
		up.shutdown()
		return nil
	})

	// client -> upstream, strictly in receipt order.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-inbound:
				if !ok {
					return errClientGone
				}
				switch m := msg.(type) {
				case protocol.AudioData:
					sess.Touch()
					if err := up.writeJSON(realtime.NewInputAudioAppend(m.Audio)); err != nil {
						if gctx.Err() != nil {
							return nil
						}
						return fmt.Errorf("%w: forward audio: %v", reliability.ErrUpstreamTransport, err)
					}
				case protocol.Disconnect:
					return errClientRequested
				case protocol.Invalid:
					a.emit(gctx, outbound, protocol.NewError(m.Reason, "invalid_client_message", false))
				}
			}
		}
	})

	// upstream -> client via the router.
	g.Go(func() error {
		defer close(calls)
		for {
			data, err := up.read()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return fmt.Errorf("upstream closed: %w", err)
				}
				return fmt.Errorf("%w: read: %v", reliability.ErrUpstreamTransport, err)
			}
			routed, err := a.router.Route(sess.ID, data)
			if err != nil {
				continue
			}
			switch routed.Kind {
			case router.KindTranscriptDelta, router.KindTranscriptCompleted:
				t := routed.Transcript
				a.emit(gctx, outbound, protocol.NewTranscriptUpdate(t.Text, t.Role, t.Final))
			case router.KindToolCall:
				select {
				case calls <- *routed.ToolCall:
				case <-gctx.Done():
					return nil
				}
			case router.KindError:
				n := routed.Notice
				a.emit(gctx, outbound, protocol.NewError(n.Message, n.Code, !n.Fatal))
				if n.Fatal {
					return fmt.Errorf("%w: %s", errFatalNotice, n.Message)
				}
			}
		}
	})

	// tool calls run one at a time so results reach upstream in call order.
	g.Go(func() error {
		for call := range calls {
			res := a.dispatcher.Execute(gctx, sess.ID, call)
			if res.Replayed {
				continue
			}
			if res.UIIntent {
				a.emit(gctx, outbound, protocol.NewToolCall(res.CallID, res.Name, res.Arguments))
			}
			if err := up.writeJSON(realtime.NewFunctionCallOutput(res.CallID, res.UpstreamOutput())); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: tool output: %v", reliability.ErrUpstreamTransport, err)
			}
			if err := up.writeJSON(realtime.NewResponseCreate()); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: response.create: %v", reliability.ErrUpstreamTransport, err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (a *Adapter) teardown(sess *session.Session, up *upstream, outbound chan<- any, reason string) {
	_ = sess.Transition(session.StateClosing)
	up.shutdown()
	_ = sess.ReleaseUpstream()
	_ = sess.Transition(session.StateClosed)
	a.sessions.Remove(sess.ID)
	a.metrics.SessionEvents.WithLabelValues("closed").Inc()
	a.emitFinal(outbound, protocol.NewDisconnect(reason))
}

// emit queues msg for the client unless the session is shutting down.
func (a *Adapter) emit(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
		a.metrics.OutboundDiscarded.WithLabelValues(messageType(msg)).Inc()
	}
}

// emitFinal is the one best-effort flush allowed after cancellation.
func (a *Adapter) emitFinal(outbound chan<- any, msg any) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-timer.C:
		a.metrics.OutboundDiscarded.WithLabelValues(messageType(msg)).Inc()
	}
}

func messageType(msg any) string {
	switch msg.(type) {
	case protocol.Connect:
		return string(protocol.TypeConnect)
	case protocol.TranscriptUpdate:
		return string(protocol.TypeTranscriptUpdate)
	case protocol.ToolCall:
		return string(protocol.TypeToolCall)
	case protocol.Error:
		return string(protocol.TypeError)
	case protocol.Disconnect:
		return string(protocol.TypeDisconnect)
	default:
		return "other"
	}
}

func clientMessage(err error) string {
	prefix := "Upstream transport error"
	if errors.Is(err, credential.ErrCredentialUnavailable) {
		prefix = "Failed to create realtime session"
	}
	if ue, ok := reliability.AsUpstreamError(err); ok {
		body := strings.TrimSpace(ue.Body)
		if body == "" {
			return fmt.Sprintf("%s (upstream status %d)", prefix, ue.Status)
		}
		return fmt.Sprintf("%s (upstream status %d): %s", prefix, ue.Status, body)
	}
	return prefix
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, credential.ErrCredentialUnavailable):
		return "credential_unavailable"
	case errors.Is(err, session.ErrUpstreamAttached):
		return "duplicate_session"
	default:
		return "upstream_transport_error"
	}
}

func retryable(err error) bool {
	if ue, ok := reliability.AsUpstreamError(err); ok {
		return ue.Retryable()
	}
	return false
}
