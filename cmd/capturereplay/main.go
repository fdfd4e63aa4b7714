package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/protocol"
	"github.com/antoniostano/examprep/internal/session"
	"github.com/antoniostano/examprep/internal/voice"
)

type options struct {
	baseURL    string
	userID     string
	voiceID    string
	runs       int
	chunkMS    int
	realtime   float64
	runTimeout time.Duration
	interRun   time.Duration
	texts      []string
	verbose    bool
}

type previewRequest struct {
	VoiceID string `json:"voice_id,omitempty"`
	Text    string `json:"text"`
}

type wsEnvelope struct {
	Type       string `json:"type"`
	State      string `json:"state,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Fragment   string `json:"fragment,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type audioClip struct {
	Text    string
	PCM16LE []byte
}

type runResult struct {
	firstFragment time.Duration
	total         time.Duration
	transcript    string
}

var defaultUtterances = []string{
	"What is the powerhouse of the cell?",
	"Explain the second law of thermodynamics.",
	"Name three causes of the French Revolution.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "capturereplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "capturereplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var runTimeoutMS int
	var interRunMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "examprep base URL")
	flag.StringVar(&cfg.userID, "user-id", "capture-replay", "user_id used for the synthetic session")
	flag.StringVar(&cfg.voiceID, "voice-id", "", "optional voice_id for preview synthesis")
	flag.IntVar(&cfg.runs, "runs", 3, "number of capture runs to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 2.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&runTimeoutMS, "run-timeout-ms", 20000, "timeout waiting for the finished state per run in milliseconds")
	flag.IntVar(&interRunMS, "inter-run-ms", 200, "delay between runs in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.runs <= 0 {
		return options{}, fmt.Errorf("runs must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if runTimeoutMS < 1000 {
		runTimeoutMS = 1000
	}
	if interRunMS < 0 {
		interRunMS = 0
	}
	cfg.runTimeout = time.Duration(runTimeoutMS) * time.Millisecond
	cfg.interRun = time.Duration(interRunMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty utterances")
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	clips := make([]audioClip, 0, len(cfg.texts))
	for _, text := range cfg.texts {
		clip, err := synthClip(ctx, httpClient, cfg, text)
		if err != nil {
			return fmt.Errorf("prepare utterance audio: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("capturereplay: clip text=%q bytes=%d peak=%d\n", clip.Text, len(clip.PCM16LE), pcmPeak(clip.PCM16LE))
		}
		clips = append(clips, clip)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if cfg.verbose {
		fmt.Printf("capturereplay: session=%s runs=%d chunk_ms=%d realtime=%.2f\n", sessionID, cfg.runs, cfg.chunkMS, cfg.realtime)
	}

	var seq int64
	var results []runResult
	for i := 0; i < cfg.runs; i++ {
		clip := clips[i%len(clips)]
		res, err := replayRun(conn, sessionID, clip, cfg, &seq, events, readErrCh)
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("capturereplay: run %d/%d first_fragment=%s total=%s transcript=%q\n",
				i+1, cfg.runs, res.firstFragment.Round(time.Millisecond), res.total.Round(time.Millisecond), res.transcript)
		}
		if cfg.interRun > 0 && i < cfg.runs-1 {
			time.Sleep(cfg.interRun)
		}
	}

	printSummary(results)
	return nil
}

func replayRun(conn *websocket.Conn, sessionID string, clip audioClip, cfg options, seq *int64, events <-chan wsEnvelope, readErrCh <-chan error) (runResult, error) {
	start := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionStart); err != nil {
		return runResult{}, fmt.Errorf("send start: %w", err)
	}
	if _, err := awaitState(events, readErrCh, cfg.runTimeout, string(voice.CaptureRecording), nil); err != nil {
		return runResult{}, fmt.Errorf("await recording: %w", err)
	}

	var res runResult
	onFragment := func(env wsEnvelope) {
		if res.firstFragment == 0 {
			res.firstFragment = time.Since(start)
		}
		res.transcript = env.Transcript
	}

	if err := sendFrames(conn, sessionID, clip, cfg.chunkMS, cfg.realtime, seq); err != nil {
		return runResult{}, fmt.Errorf("send audio: %w", err)
	}
	if err := sendControl(conn, sessionID, protocol.ActionStop); err != nil {
		return runResult{}, fmt.Errorf("send stop: %w", err)
	}
	if _, err := awaitState(events, readErrCh, cfg.runTimeout, string(voice.CaptureFinished), onFragment); err != nil {
		return runResult{}, fmt.Errorf("await finished: %w", err)
	}
	res.total = time.Since(start)
	return res, nil
}

func printSummary(results []runResult) {
	if len(results) == 0 {
		return
	}
	var first, total time.Duration
	for _, r := range results {
		first += r.firstFragment
		total += r.total
	}
	n := time.Duration(len(results))
	fmt.Printf("capturereplay: avg_first_fragment=%s avg_total=%s\n", (first / n).Round(time.Millisecond), (total / n).Round(time.Millisecond))
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(session.CreateRequest{UserID: cfg.userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/capture/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/capture/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// synthClip fetches spoken audio for text and converts it to capture-rate PCM16.
func synthClip(ctx context.Context, client *http.Client, cfg options, text string) (audioClip, error) {
	payload, err := json.Marshal(previewRequest{VoiceID: strings.TrimSpace(cfg.voiceID), Text: text})
	if err != nil {
		return audioClip{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/speech/preview", bytes.NewReader(payload))
	if err != nil {
		return audioClip{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return audioClip{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return audioClip{}, fmt.Errorf("preview %q HTTP %d: %s", text, res.StatusCode, strings.TrimSpace(string(body)))
	}

	pcm, info, err := audio.ReadWAVPCM16(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return audioClip{}, fmt.Errorf("decode preview wav for %q: %w", text, err)
	}
	buf, err := audio.Decode(pcm, info.SampleRate, max(info.Channels, 1))
	if err != nil {
		return audioClip{}, fmt.Errorf("decode preview pcm for %q: %w", text, err)
	}
	resampled := toCaptureRate(buf)
	if len(resampled) == 0 {
		return audioClip{}, fmt.Errorf("preview wav for %q produced no samples", text)
	}
	return audioClip{Text: text, PCM16LE: audio.Encode(resampled, audio.CaptureSampleRate).Data}, nil
}

// toCaptureRate downmixes buf and linearly resamples it to the capture rate.
func toCaptureRate(buf audio.Buffer) audio.Frame {
	n := buf.Len()
	if n == 0 || buf.SampleRate <= 0 {
		return nil
	}
	mono := make([]float32, n)
	for _, ch := range buf.Samples {
		for i := 0; i < n && i < len(ch); i++ {
			mono[i] += ch[i] / float32(len(buf.Samples))
		}
	}
	if buf.SampleRate == audio.CaptureSampleRate {
		return mono
	}
	outLen := int(int64(n) * audio.CaptureSampleRate / int64(buf.SampleRate))
	out := make(audio.Frame, outLen)
	step := float64(buf.SampleRate) / audio.CaptureSampleRate
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n-1 {
			out[i] = mono[n-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = mono[idx]*(1-frac) + mono[idx+1]*frac
	}
	return out
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/capture/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

// awaitState consumes server events until a capture_state with want arrives.
// An error_event or an error state fails the wait.
func awaitState(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, want string, onFragment func(wsEnvelope)) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeTranscriptDelta):
				if onFragment != nil {
					onFragment(env)
				}
			case string(protocol.TypeErrorEvent):
				return env, fmt.Errorf("error_event code=%s message=%s", env.Code, env.Message)
			case string(protocol.TypeCaptureState):
				if env.State == want {
					return env, nil
				}
				if env.State == string(voice.CaptureError) {
					return env, fmt.Errorf("capture entered error state")
				}
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s waiting for %s", timeout, want)
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
	})
}

func sendFrames(conn *websocket.Conn, sessionID string, clip audioClip, chunkMS int, realtime float64, seq *int64) error {
	bytesPerChunk := audio.CaptureSampleRate * 2 * chunkMS / 1000
	for off := 0; off < len(clip.PCM16LE); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(clip.PCM16LE))
		end -= (end - off) % 2
		if end <= off {
			break
		}
		*seq++
		msg := protocol.ClientAudioFrame{
			Type:        protocol.TypeClientAudioFrame,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(clip.PCM16LE[off:end]),
			SampleRate:  audio.CaptureSampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		samples := (end - off) / 2
		pause := time.Duration(float64(time.Duration(samples)*time.Second/audio.CaptureSampleRate) / realtime)
		if pause <= 0 {
			pause = 10 * time.Millisecond
		}
		time.Sleep(pause)
	}
	return nil
}

// pcmPeak reports the largest absolute PCM16 sample; used to spot silent clips.
func pcmPeak(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		if s < 0 {
			s = -s
		}
		peak = max(peak, s)
	}
	return peak
}
