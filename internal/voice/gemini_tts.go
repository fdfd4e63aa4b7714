package voice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/antoniostano/examprep/internal/audio"
	"github.com/antoniostano/examprep/internal/reliability"
)

const (
	DefaultGeminiTTSModel = "gemini-2.5-flash-preview-tts"
	DefaultGeminiTTSVoice = "Kore"
)

type speechContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiSpeechSynthesizer renders text with a Gemini TTS model. The model
// answers with inline 24 kHz PCM16.
type GeminiSpeechSynthesizer struct {
	models       speechContentGenerator
	model        string
	defaultVoice string
}

func NewGeminiSpeechSynthesizer(ctx context.Context, apiKey, model, voice string) (*GeminiSpeechSynthesizer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiSpeechSynthesizer(client.Models, model, voice), nil
}

func newGeminiSpeechSynthesizer(models speechContentGenerator, model, voice string) *GeminiSpeechSynthesizer {
	if strings.TrimSpace(model) == "" {
		model = DefaultGeminiTTSModel
	}
	if strings.TrimSpace(voice) == "" {
		voice = DefaultGeminiTTSVoice
	}
	return &GeminiSpeechSynthesizer{models: models, model: model, defaultVoice: voice}
}

func (g *GeminiSpeechSynthesizer) Synthesize(ctx context.Context, text, voiceID string) (SpeechAudio, error) {
	voice := strings.TrimSpace(voiceID)
	if voice == "" {
		voice = g.defaultVoice
	}
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return SpeechAudio{}, fmt.Errorf("gemini tts: %w", reliability.FromGenAI(err))
	}

	out := SpeechAudio{SampleRate: audio.SpeechSampleRate, Format: "pcm_s16le"}
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if rate := rateFromMIME(part.InlineData.MIMEType); rate > 0 {
				out.SampleRate = rate
			}
			out.Data = append(out.Data, part.InlineData.Data...)
		}
	}
	if len(out.Data) == 0 {
		return SpeechAudio{}, reliability.NewError(reliability.KindNoAudioPayload, "gemini tts returned no inline audio", nil)
	}
	return out, nil
}

// rateFromMIME reads the rate parameter of e.g. "audio/L16;codec=pcm;rate=24000".
func rateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}
