package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRemoteStatus is returned for a non-200 synthesis response.
	ErrRemoteStatus = errors.New("synthesis request failed")
	// ErrEmptyAudio is returned when the service sent no audio.
	ErrEmptyAudio = errors.New("synthesis returned no audio")
)

// RemoteConfig configures the ElevenLabs streaming synthesis endpoint.
type RemoteConfig struct {
	APIKey     string
	BaseURL    string
	VoiceID    string
	ModelID    string
	SampleRate int
	Timeout    time.Duration
}

// DefaultRemoteConfig returns the endpoint defaults. VoiceID and APIKey
// still need to be set.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL:    "https://api.elevenlabs.io/v1",
		ModelID:    "eleven_flash_v2_5",
		SampleRate: 24000,
		Timeout:    20 * time.Second,
	}
}

// Remote synthesizes speech with ElevenLabs and returns raw PCM.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote creates a remote synthesizer.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	return &Remote{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	LanguageCode  string        `json:"language_code,omitempty"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize requests PCM for text.
func (r *Remote) Synthesize(ctx context.Context, text, languageTag string) ([]byte, int, error) {
	body, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       r.cfg.ModelID,
		LanguageCode:  primarySubtag(languageTag),
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=pcm_%d",
		strings.TrimRight(r.cfg.BaseURL, "/"), url.PathEscape(r.cfg.VoiceID), r.cfg.SampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("%w: status %d: %s", ErrRemoteStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read audio: %w", err)
	}
	if len(pcm) < 2 {
		return nil, 0, ErrEmptyAudio
	}
	return pcm, r.cfg.SampleRate, nil
}

// primarySubtag returns "vi" for "vi-VN".
func primarySubtag(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
