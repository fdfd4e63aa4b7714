// Command voiceprobe exercises the local audio devices against the configured
// providers: record and transcribe, read text aloud, or run one generation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/examprep/internal/app"
	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/config"
	"github.com/antoniostano/examprep/internal/device"
	"github.com/antoniostano/examprep/internal/generation"
	"github.com/antoniostano/examprep/internal/reliability"
	"github.com/antoniostano/examprep/internal/voice"
)

type options struct {
	mode   string
	text   string
	prompt string
	schema *generation.Schema
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&opts.mode, "mode", "listen", "listen|speak|generate")
	fs.StringVar(&opts.text, "text", "Welcome back. Let's review chapter three.", "text to read aloud in speak mode")
	fs.StringVar(&opts.prompt, "prompt", "", "prompt for generate mode")
	var schemaRaw string
	fs.StringVar(&schemaRaw, "schema", "", "optional JSON response schema for generate mode")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.mode = strings.ToLower(strings.TrimSpace(opts.mode))
	switch opts.mode {
	case "listen":
	case "speak":
		if strings.TrimSpace(opts.text) == "" {
			return options{}, errors.New("text is required in speak mode")
		}
	case "generate":
		if strings.TrimSpace(opts.prompt) == "" {
			return options{}, errors.New("prompt is required in generate mode")
		}
		if strings.TrimSpace(schemaRaw) != "" {
			var schema generation.Schema
			if err := json.Unmarshal([]byte(schemaRaw), &schema); err != nil {
				return options{}, fmt.Errorf("invalid schema: %w", err)
			}
			opts.schema = &schema
		}
	default:
		return options{}, fmt.Errorf("unknown mode %q (expected listen|speak|generate)", opts.mode)
	}
	return opts, nil
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Cleanup()

	switch opts.mode {
	case "speak":
		return speak(ctx, res, opts.text)
	case "generate":
		return generate(ctx, res, opts)
	default:
		return listen(ctx, res)
	}
}

// listen records from the default microphone until interrupted and prints
// the transcript.
func listen(ctx context.Context, res *app.BuildResult) error {
	capture := voice.NewCaptureSession(voice.CaptureSessionConfig{
		ID:       "voiceprobe",
		Device:   device.NewMalgoCapture(),
		Provider: res.Transcription,
		Locale:   res.Config.Locale,
		Metrics:  res.Metrics,
	})
	defer capture.Close()

	done := make(chan struct{}, 1)
	capture.Subscribe(func(u voice.TranscriptUpdate) {
		if u.Fragment != "" {
			fmt.Print(u.Fragment)
		}
		switch u.State {
		case voice.CaptureFinished, voice.CaptureError:
			if u.Message != "" {
				fmt.Fprintf(os.Stderr, "\n%s\n", u.Message)
			}
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	if err := capture.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	fmt.Fprintln(os.Stderr, "recording, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		if err := capture.Stop(); err != nil {
			return fmt.Errorf("stop capture: %w", err)
		}
		<-done
	case <-done:
	}
	fmt.Printf("\ntranscript: %s\n", capture.Transcript())
	return nil
}

func speak(ctx context.Context, res *app.BuildResult, text string) error {
	playback := device.NewMalgoPlayback(audio.SpeechSampleRate)
	defer playback.Close()

	idle := make(chan struct{}, 1)
	var failure string
	controller := voice.NewPlaybackController(voice.PlaybackControllerConfig{
		Synthesizer: res.Synthesizer,
		Device:      playback,
		VoiceID:     res.Voice.DefaultVoiceID,
		Locale:      res.Config.Locale,
		Metrics:     res.Metrics,
		Notifier: voice.NotifierFunc(func(_ string, _ reliability.Kind, message string) {
			failure = message
		}),
		OnChange: func(s voice.PlaybackStatus) {
			if s.State == voice.PlaybackIdle {
				select {
				case idle <- struct{}{}:
				default:
				}
			}
		},
	})
	defer controller.Close()

	if err := controller.Toggle(ctx, "probe", text); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return controller.Stop()
	case <-idle:
	}
	if failure != "" {
		return errors.New(failure)
	}
	return nil
}

func generate(ctx context.Context, res *app.BuildResult, opts options) error {
	req := generation.Request{Prompt: opts.prompt, Schema: opts.schema}
	result := res.Generation.Run(ctx, req)
	if result.Err != nil {
		return fmt.Errorf("%s (after %d attempt(s))", reliability.UserMessage(result.Err.Kind, res.Config.Locale), result.Attempts)
	}
	if result.JSON != nil {
		out, err := json.MarshalIndent(result.JSON, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(result.Text)
	return nil
}
