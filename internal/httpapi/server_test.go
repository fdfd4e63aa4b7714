package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/config"
	"github.com/antoniostano/examprep/internal/diagnostics"
	"github.com/antoniostano/examprep/internal/generation"
	"github.com/antoniostano/examprep/internal/observability"
	"github.com/antoniostano/examprep/internal/protocol"
	"github.com/antoniostano/examprep/internal/reliability"
	"github.com/antoniostano/examprep/internal/session"
	"github.com/antoniostano/examprep/internal/voice"
)

type failingGenerator struct{ code int }

func (g failingGenerator) Generate(context.Context, generation.Request) (string, error) {
	return "", &reliability.StatusError{Code: g.code, Message: "user@example.com is not allowed"}
}

type failingSynth struct{ err error }

func (s failingSynth) Synthesize(context.Context, string, string) (voice.SpeechAudio, error) {
	return voice.SpeechAudio{}, s.err
}

func newTestServer(t *testing.T, gen generation.Generator, store diagnostics.Store) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		Locale:                   "en",
		GenerationProvider:       "mock",
		VoiceProvider:            "mock",
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWithRegistry("test", reg, reg)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	mock := voice.NewMockProvider()
	srv := New(cfg, Deps{
		Sessions:      sessions,
		Generation:    generation.NewClient(gen, generation.WithMetrics(metrics), generation.WithRecorder(store), generation.WithDefaults(2, time.Millisecond)),
		Transcription: mock,
		Synthesizer:   mock,
		Diagnostics:   store,
		Metrics:       metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestCreateAndEndSession(t *testing.T) {
	ts, sessions := newTestServer(t, generation.NewMockGenerator(), diagnostics.NewInMemoryStore(8))

	res := postJSON(t, ts.URL+"/v1/capture/session", map[string]string{"user_id": "user-1", "locale": "es"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" || created.Locale != "es" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if sessions.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", sessions.ActiveCount())
	}

	endRes := postJSON(t, ts.URL+"/v1/capture/session/"+created.SessionID+"/end", nil)
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
	missing := postJSON(t, ts.URL+"/v1/capture/session/nope/end", nil)
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestGenerateReturnsResultValue(t *testing.T) {
	ts, _ := newTestServer(t, generation.NewMockGenerator(), diagnostics.NewInMemoryStore(8))

	res := postJSON(t, ts.URL+"/v1/generate", map[string]any{
		"prompt": "Quiz me on photosynthesis",
		"schema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"question": map[string]any{"type": "string"}},
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	obj, ok := out.JSON.(map[string]any)
	if !out.OK || !ok || out.Attempts != 1 {
		t.Fatalf("generate response = %+v", out)
	}
	if _, ok := obj["question"]; !ok {
		t.Fatalf("json = %v, want question field", obj)
	}
}

func TestGenerateFailureIsRecorded(t *testing.T) {
	store := diagnostics.NewInMemoryStore(8)
	ts, _ := newTestServer(t, failingGenerator{code: http.StatusBadRequest}, store)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/generate", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Accept-Language", "es-ES,es;q=0.9")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/generate error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.OK || out.Error == nil || out.Error.Kind != string(reliability.KindFatal) {
		t.Fatalf("generate response = %+v, want fatal error", out)
	}
	if want := reliability.UserMessage(reliability.KindFatal, "es"); out.Error.Message != want {
		t.Fatalf("message = %q, want %q", out.Error.Message, want)
	}

	deadline := time.Now().Add(time.Second)
	for {
		diag, err := http.Get(ts.URL + "/v1/diagnostics/generation?limit=5")
		if err != nil {
			t.Fatalf("GET diagnostics error = %v", err)
		}
		var payload struct {
			Records []diagnostics.Record `json:"records"`
		}
		_ = json.NewDecoder(diag.Body).Decode(&payload)
		diag.Body.Close()
		if len(payload.Records) == 1 {
			if strings.Contains(payload.Records[0].Message, "user@example.com") {
				t.Fatalf("recorded message not redacted: %q", payload.Records[0].Message)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure was never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, generation.NewMockGenerator(), nil)
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ``},
		{name: "not json", body: `{`},
		{name: "missing prompt", body: `{"prompt":"  "}`},
		{name: "bad mime", body: `{"prompt":"x","mime_type":"image/png"}`},
		{name: "too many attempts", body: `{"prompt":"x","max_attempts":50}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST error = %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", res.StatusCode)
			}
		})
	}
}

func TestSpeechPreviewReturnsWAV(t *testing.T) {
	ts, _ := newTestServer(t, generation.NewMockGenerator(), nil)

	res := postJSON(t, ts.URL+"/v1/speech/preview", map[string]string{"text": "Read this aloud"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("Content-Type = %q", ct)
	}
	pcm, info, err := audio.ReadWAVPCM16(res.Body)
	if err != nil {
		t.Fatalf("ReadWAVPCM16() error = %v", err)
	}
	if info.SampleRate != audio.SpeechSampleRate || len(pcm) == 0 {
		t.Fatalf("wav info = %+v, %d bytes", info, len(pcm))
	}
}

func TestSpeechPreviewFailureShowsUserMessage(t *testing.T) {
	cfg := config.Config{SessionInactivityTimeout: time.Minute, Locale: "en"}
	tests := []struct {
		name string
		err  error
		want reliability.Kind
	}{
		{name: "no audio", err: reliability.NewError(reliability.KindNoAudioPayload, "empty", nil), want: reliability.KindNoAudioPayload},
		{name: "upstream", err: &reliability.StatusError{Code: 503}, want: reliability.KindRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(cfg, Deps{Synthesizer: failingSynth{err: tt.err}})
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			res := postJSON(t, ts.URL+"/v1/speech/preview", map[string]string{"text": "hi"})
			if res.StatusCode != http.StatusBadGateway {
				t.Fatalf("status = %d, want 502", res.StatusCode)
			}
			var body errorResponse
			_ = json.NewDecoder(res.Body).Decode(&body)
			if body.Code != string(tt.want) || body.Error != reliability.UserMessage(tt.want, "en") {
				t.Fatalf("body = %+v, want %s", body, tt.want)
			}
		})
	}
}

func TestHealthAndLatency(t *testing.T) {
	ts, _ := newTestServer(t, generation.NewMockGenerator(), diagnostics.NewInMemoryStore(8))
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}

	bare := httptest.NewServer(New(config.Config{SessionInactivityTimeout: time.Minute}, Deps{}).Router())
	defer bare.Close()
	res, err := http.Get(bare.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET /readyz without providers = %d, want 503", res.StatusCode)
	}
}

func TestCaptureWebSocketStreamsTranscript(t *testing.T) {
	ts, sessions := newTestServer(t, generation.NewMockGenerator(), nil)
	sess := sessions.Create("u1", "en")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/capture/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	send(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sess.ID, Action: protocol.ActionStart})
	readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == string(protocol.TypeCaptureState) && m["state"] == string(voice.CaptureRecording)
	})

	frame := make(audio.Frame, 160)
	for i := range frame {
		frame[i] = 0.1
	}
	payload := audio.Encode(frame, audio.CaptureSampleRate).Base64()
	for seq := int64(1); seq <= 8; seq++ {
		send(protocol.ClientAudioFrame{
			Type:        protocol.TypeClientAudioFrame,
			SessionID:   sess.ID,
			Seq:         seq,
			PCM16Base64: payload,
			SampleRate:  audio.CaptureSampleRate,
		})
	}
	delta := readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == string(protocol.TypeTranscriptDelta)
	})
	if delta["transcript"] != "simulated voice input " {
		t.Fatalf("transcript_delta = %v", delta)
	}

	send(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sess.ID, Action: protocol.ActionStop})
	readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == string(protocol.TypeCaptureState) && m["state"] == string(voice.CaptureFinished)
	})

	// Ending the session from the API drops the connection.
	if _, err := sessions.End(sess.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestCaptureWebSocketRejectsBadFrames(t *testing.T) {
	ts, sessions := newTestServer(t, generation.NewMockGenerator(), nil)
	sess := sessions.Create("u1", "en")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/capture/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_audio_frame"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	ev := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	if ev["code"] != codeInvalidClientMessage || ev["message"] != clientErrorMessages[codeInvalidClientMessage] {
		t.Fatalf("error_event = %v", ev)
	}

	badAudio := `{"type":"client_audio_frame","session_id":"` + sess.ID + `","seq":1,"pcm16_base64":"%%%","sample_rate":16000}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(badAudio)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	ev = readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	if ev["code"] != codeInvalidAudioFrame || ev["message"] != clientErrorMessages[codeInvalidAudioFrame] {
		t.Fatalf("bad audio error_event = %v", ev)
	}
	if msg, _ := ev["message"].(string); strings.Contains(msg, "base64") {
		t.Fatalf("error_event leaks the raw error: %q", msg)
	}

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("second dial error = %v", err)
	}
	defer second.Close()
	ev = readUntil(t, second, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	if ev["code"] != codeSessionUnavailable || ev["message"] != clientErrorMessages[codeSessionUnavailable] {
		t.Fatalf("second connection error_event = %v", ev)
	}
}

func TestCaptureWebSocketUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t, generation.NewMockGenerator(), nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/capture/ws?session_id=missing"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial unexpectedly succeeded")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v, want 404", res)
	}
}

func TestWSCaptureDevice(t *testing.T) {
	d := newWSCaptureDevice()
	stream, err := d.RequestAccess(context.Background(), voice.CaptureConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("RequestAccess() error = %v", err)
	}
	var got []audio.Frame
	sub, err := stream.Subscribe(func(f audio.Frame) { got = append(got, f) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := d.deliver(audio.Frame{0.5}, 16000); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if err := d.deliver(audio.Frame{0.5}, 44100); err == nil {
		t.Fatalf("deliver() with wrong rate expected error")
	}
	_ = sub.Close()
	_ = d.deliver(audio.Frame{0.25}, 16000)
	if len(got) != 1 {
		t.Fatalf("frames delivered = %d, want 1", len(got))
	}

	_ = stream.StopTracks()
	if _, err := stream.Subscribe(func(audio.Frame) {}); err == nil {
		t.Fatalf("Subscribe() after StopTracks expected error")
	}

	d.close()
	if _, err := d.RequestAccess(context.Background(), voice.CaptureConfig{}); err == nil {
		t.Fatalf("RequestAccess() after close expected error")
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}
