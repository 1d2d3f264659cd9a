package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/contextstore"
	"github.com/ent0n29/voicegate/internal/credential"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/protocol"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/signaling"
	"github.com/ent0n29/voicegate/internal/tools"
)

var testOffer = strings.Join([]string{
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111",
	"c=IN IP4 0.0.0.0",
	"a=mid:0",
	"a=sendrecv",
	"a=rtpmap:111 opus/48000/2",
	"",
}, "\r\n")

const testAnswer = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type fakeProvider struct {
	srv        *httptest.Server
	mintStatus int
	sdpStatus  int
	mints      atomic.Int32
	exchanges  atomic.Int32
	mintBody   atomic.Value
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{mintStatus: http.StatusOK, sdpStatus: http.StatusCreated}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.HasSuffix(r.URL.Path, "/sessions"), strings.HasSuffix(r.URL.Path, "/client_secrets"):
			n := p.mints.Add(1)
			p.mintBody.Store(string(body))
			if p.mintStatus != http.StatusOK {
				w.WriteHeader(p.mintStatus)
				_, _ = w.Write([]byte(`{"error":{"message":"control plane down"}}`))
				return
			}
			expires := time.Now().Add(time.Minute).Unix()
			if strings.HasSuffix(r.URL.Path, "/client_secrets") {
				w.Header().Set("Content-Type", "application/json")
				_, _ = fmt.Fprintf(w, `{"value":"ek_%d","expires_at":%d,"session":{"id":"sess_%d"}}`, n, expires, n)
				return
			}
			_, _ = fmt.Fprintf(w, `{"client_secret":{"value":"ek_%d","expires_at":%d}}`, n, expires)
		default:
			p.exchanges.Add(1)
			if p.sdpStatus >= 300 {
				w.WriteHeader(p.sdpStatus)
				_, _ = w.Write([]byte("bad offer upstream"))
				return
			}
			w.Header().Set("Location", "/v1/realtime/calls/rtc_abc123")
			w.WriteHeader(p.sdpStatus)
			_, _ = w.Write([]byte(testAnswer))
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

// fakeRelay echoes audio chunks back as final user transcripts.
type fakeRelay struct {
	sessions *session.Manager
}

func (f *fakeRelay) Run(ctx context.Context, s *session.Session, _ realtime.SessionConfig, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.BindCancel(cancel)
	_ = s.Transition(session.StateActive)
	outbound <- protocol.NewConnect(s.ID)

	reason := "ended"
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-inbound:
			if !ok {
				reason = "client_disconnect"
				break loop
			}
			switch m := msg.(type) {
			case protocol.AudioData:
				outbound <- protocol.NewTranscriptUpdate(m.Audio, "user", true)
			case protocol.Invalid:
				outbound <- protocol.NewError(m.Reason, "invalid_client_message", false)
			case protocol.Disconnect:
				reason = "client_disconnect"
				break loop
			}
		}
	}
	_ = s.Transition(session.StateClosing)
	_ = s.Transition(session.StateClosed)
	f.sessions.Remove(s.ID)
	outbound <- protocol.NewDisconnect(reason)
	return nil
}

type harness struct {
	provider *fakeProvider
	sessions *session.Manager
	store    *contextstore.InMemoryStore
	ts       *httptest.Server
}

func newHarness(t *testing.T, flow string) *harness {
	t.Helper()
	p := newFakeProvider(t)
	log := zerolog.Nop()
	metrics := observability.NewMetrics("test")
	sessions := session.NewManager(time.Minute)
	store := contextstore.NewInMemoryStore(time.Minute)

	cfg := config.Config{
		CredentialFlow: flow,
		RealtimeModel:  "gpt-realtime",
		ContextTTL:     time.Minute,
	}
	broker := credential.NewBroker(credential.Config{APIKey: "sk-test", BaseURL: p.srv.URL, Flow: credential.Flow(flow)}, log, metrics)
	exchanger := signaling.NewExchanger(signaling.Config{BaseURL: p.srv.URL}, broker, log, metrics)
	dispatcher := tools.NewDispatcher(sessions, nil, time.Minute, log, metrics)
	vision := tools.NewVisionClient(tools.VisionConfig{APIKey: "sk-test", BaseURL: p.srv.URL, Model: "gpt-4.1-mini-vision"}, log, metrics)

	srv := New(Deps{
		Config:   cfg,
		Sessions: sessions,
		Defaults: realtime.Defaults{
			Model:               "gpt-realtime",
			Voice:               "ballad",
			TranscriptionModel:  "whisper-1",
			MaxInstructionChars: 16000,
			Tools:               tools.Definitions(),
		},
		Exchanger: exchanger,
		Relay:     &fakeRelay{sessions: sessions},
		Tools:     dispatcher,
		Vision:    vision,
		Context:   store,
		Log:       log,
		Metrics:   metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{provider: p, sessions: sessions, store: store, ts: ts}
}

func (h *harness) postOffer(t *testing.T, path, offer string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(offer))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/sdp")
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func TestRTCConnectEmptyOfferIsBadRequest(t *testing.T) {
	h := newHarness(t, config.FlowSession)

	res, body := h.postOffer(t, "/rtc-connect", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, body, "No SDP provided")
	assert.Zero(t, h.provider.mints.Load())
	assert.Zero(t, h.sessions.Len())
}

func TestRTCConnectInvalidOfferIsBadRequest(t *testing.T) {
	h := newHarness(t, config.FlowSession)

	res, _ := h.postOffer(t, "/rtc-connect", "not an sdp", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Zero(t, h.provider.mints.Load())
	assert.Zero(t, h.sessions.Len())
}

func TestRTCConnectCredentialFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	h.provider.mintStatus = http.StatusInternalServerError

	res, body := h.postOffer(t, "/rtc-connect", testOffer, http.Header{"X-Session-Id": {"sess-1"}})
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, body, "Failed to create realtime session")
	assert.Contains(t, body, "control plane down")
	assert.Zero(t, h.provider.exchanges.Load())

	_, ok := h.sessions.Get("sess-1")
	assert.False(t, ok)
	assert.Zero(t, h.sessions.Len())
}

func TestRTCConnectSDPFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	h.provider.sdpStatus = http.StatusBadRequest

	res, body := h.postOffer(t, "/rtc-connect", testOffer, nil)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, body, "SDP exchange error (upstream status 400): bad offer upstream")
	assert.Equal(t, int32(1), h.provider.exchanges.Load())
	assert.Zero(t, h.sessions.Len())
}

func TestRTCConnectReturnsAnswerAndRegistersSession(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	_, err := h.store.SaveFocus(context.Background(), "visitor-9", "Card 4: Radiology Assistant")
	require.NoError(t, err)

	res, body := h.postOffer(t, "/api/rtc-connect?visitorId=visitor-9", testOffer, http.Header{"X-Session-Id": {"sess-2"}})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/sdp", res.Header.Get("Content-Type"))
	assert.Equal(t, "sess-2", res.Header.Get("X-Session-Id"))
	assert.Equal(t, testAnswer, body)

	sess, ok := h.sessions.Get("sess-2")
	require.True(t, ok)
	info := sess.Info()
	assert.Equal(t, session.StateActive, info.State)
	assert.Equal(t, session.TransportSignaling, info.Transport)
	assert.Equal(t, "rtc_abc123", info.UpstreamRef)

	mintBody, _ := h.provider.mintBody.Load().(string)
	assert.Contains(t, mintBody, "Card 4: Radiology Assistant")
}

func TestRTCConnectDuplicateSessionConflicts(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	_, err := h.sessions.Create("dup", session.TransportSignaling)
	require.NoError(t, err)

	res, _ := h.postOffer(t, "/rtc-connect", testOffer, http.Header{"X-Session-Id": {"dup"}})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Zero(t, h.provider.mints.Load())
}

func TestEndSessionClosesSignalingEntry(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	res, _ := h.postOffer(t, "/rtc-connect", testOffer, http.Header{"X-Session-Id": {"s-end"}})
	require.Equal(t, http.StatusOK, res.StatusCode)

	listRes, err := http.Get(h.ts.URL + "/v1/sessions")
	require.NoError(t, err)
	var listed struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(listRes.Body).Decode(&listed))
	_ = listRes.Body.Close()
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "s-end", listed.Sessions[0].ID)

	endRes, err := http.Post(h.ts.URL+"/v1/sessions/s-end/end", "application/json", nil)
	require.NoError(t, err)
	_ = endRes.Body.Close()
	assert.Equal(t, http.StatusOK, endRes.StatusCode)
	assert.Zero(t, h.sessions.Len())

	again, err := http.Post(h.ts.URL+"/v1/sessions/s-end/end", "application/json", nil)
	require.NoError(t, err)
	_ = again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)

	res, _ = h.postOffer(t, "/rtc-connect", testOffer, http.Header{"X-Session-Id": {"s-end"}})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestToolCallWebhook(t *testing.T) {
	h := newHarness(t, config.FlowWebhook)

	post := func(payload string) []toolRunResponse {
		t.Helper()
		res, err := http.Post(h.ts.URL+"/tool-call-handler", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
		var out []toolRunResponse
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
		require.Len(t, out, 1)
		return out
	}

	out := post(`{"type":"tool_call","data":{"tool_call":{"id":"call_1","function":{"name":"delete_everything","arguments":"{}"}}}}`)
	assert.Equal(t, "tool.run", out[0].Type)
	assert.Equal(t, "call_1", out[0].ToolRun.ID)
	var failed map[string]string
	require.NoError(t, json.Unmarshal([]byte(out[0].ToolRun.Result), &failed))
	assert.Equal(t, "FAILED", failed["status"])
	assert.Equal(t, "UnknownTool", failed["error"])

	out = post(`{"type":"tool_call","data":{"tool_call":{"id":"call_2","function":{"name":"navigate_to_section","arguments":"{\"section\":\"contact\"}"}}}}`)
	assert.JSONEq(t, `{"status":"EXECUTED","result":"ok"}`, out[0].ToolRun.Result)

	res, err := http.Post(h.ts.URL+"/tool-call-handler", "application/json", strings.NewReader(`{"type":"tool_call","data":{}}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestToolCallWebhookOnlyMountedForWebhookFlow(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	res, err := http.Post(h.ts.URL+"/tool-call-handler", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.NotEqual(t, http.StatusOK, res.StatusCode)
}

func TestSaveContext(t *testing.T) {
	h := newHarness(t, config.FlowSession)

	res, err := http.Post(h.ts.URL+"/v1/context", "application/json", strings.NewReader(`{"visitor_id":"v1","focus":"Card 2"}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	rec, ok, err := h.store.Focus(context.Background(), "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Card 2", rec.Focus)

	res, err = http.Post(h.ts.URL+"/v1/context", "application/json", strings.NewReader(`{"focus":"x"}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestElementEndpointsRequireImage(t *testing.T) {
	h := newHarness(t, config.FlowSession)
	for _, path := range []string{"/element-explain", "/element-query"} {
		res, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader([]byte(`{"prompt":"what is this"}`)))
		require.NoError(t, err)
		_ = res.Body.Close()
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, path)
	}

	res, err := http.Post(h.ts.URL+"/element-explain", "application/json", strings.NewReader(`{"image_data_url":"data:text/plain;base64,aGVsbG8="}`))
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.FlowClientSecret)
	res, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "gpt-realtime", out["model_realtime"])
	assert.Equal(t, "gpt-4.1-mini-vision", out["model_vision"])
	assert.Equal(t, "client_secret", out["credential_flow"])
}

func TestPerfLatencyAttributesSignalingEstablishment(t *testing.T) {
	h := newHarness(t, config.FlowClientSecret)
	res, _ := h.postOffer(t, "/rtc-connect", testOffer, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	perf, err := http.Get(h.ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	defer perf.Body.Close()

	var snap observability.EstablishSnapshot
	require.NoError(t, json.NewDecoder(perf.Body).Decode(&snap))
	require.Len(t, snap.Outcomes, 1)
	assert.Equal(t, string(session.TransportSignaling), snap.Outcomes[0].Transport)
	assert.Equal(t, 1, snap.Outcomes[0].Minted)

	stages := map[string]int{}
	for _, st := range snap.Stages {
		assert.Equal(t, string(session.TransportSignaling), st.Transport)
		stages[st.Stage] = st.Samples
	}
	assert.Equal(t, 1, stages[observability.StageCredentialMint])
	assert.Equal(t, 1, stages[observability.StageSDPExchange])
}

func dialWS(t *testing.T, h *harness, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/realtime/ws?" + query
	return websocket.DefaultDialer.Dial(u, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestRealtimeWSRelaysInOrder(t *testing.T) {
	h := newHarness(t, config.FlowSession)

	conn, _, err := dialWS(t, h, "session_id=ws-1")
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn)
	assert.Equal(t, "connect", first["type"])
	assert.Equal(t, "ws-1", first["session_id"])

	_, res, err := dialWS(t, h, "session_id=ws-1")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "audio_data", "audio": "AAAAAA=="}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "audio_data", "audio": "AQIDBA=="}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

	assert.Equal(t, "AAAAAA==", readMessage(t, conn)["text"])
	assert.Equal(t, "AQIDBA==", readMessage(t, conn)["text"])
	assert.Equal(t, "error", readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "disconnect"}))
	last := readMessage(t, conn)
	assert.Equal(t, "disconnect", last["type"])
	assert.Equal(t, "client_disconnect", last["reason"])

	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEndSessionCancelsRelay(t *testing.T) {
	h := newHarness(t, config.FlowSession)

	conn, _, err := dialWS(t, h, "session_id=ws-end")
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "connect", readMessage(t, conn)["type"])

	res, err := http.Post(h.ts.URL+"/v1/sessions/ws-end/end", "application/json", nil)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	last := readMessage(t, conn)
	assert.Equal(t, "disconnect", last["type"])
	assert.Equal(t, "ended", last["reason"])
	require.Eventually(t, func() bool { return h.sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
