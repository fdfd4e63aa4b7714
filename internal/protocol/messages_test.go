package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageAudioFrame(t *testing.T) {
	raw := []byte(`{"type":"client_audio_frame","session_id":"s1","seq":1,"pcm16_base64":"AQID","sample_rate":16000,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	frame, ok := msg.(ClientAudioFrame)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioFrame", msg)
	}
	if frame.SessionID != "s1" || frame.SampleRate != 16000 || frame.Seq != 1 {
		t.Fatalf("unexpected audio frame: %+v", frame)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"start","locale":"es"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionStart || control.Locale != "es" {
		t.Fatalf("unexpected control: %+v", control)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{`},
		{name: "frame without audio", raw: `{"type":"client_audio_frame","session_id":"s1","sample_rate":16000}`},
		{name: "frame without rate", raw: `{"type":"client_audio_frame","session_id":"s1","pcm16_base64":"AQID"}`},
		{name: "control without session", raw: `{"type":"client_control","action":"stop"}`},
		{name: "unknown action", raw: `{"type":"client_control","session_id":"s1","action":"pause"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tt.raw)); err == nil {
				t.Fatalf("ParseClientMessage(%s) expected error", tt.raw)
			}
		})
	}
}

func TestSeqTracker(t *testing.T) {
	var tr SeqTracker
	steps := []struct {
		seq  int64
		want bool
	}{
		{0, true},
		{1, true},
		{1, false},
		{3, true},
		{2, false},
		{4, true},
	}
	for _, s := range steps {
		if got := tr.Accept(s.seq); got != s.want {
			t.Fatalf("Accept(%d) = %v, want %v", s.seq, got, s.want)
		}
	}
	tr.Reset()
	if !tr.Accept(1) {
		t.Fatalf("Accept(1) after Reset() = false, want true")
	}
}
