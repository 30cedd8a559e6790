// Package playback speaks text aloud: a remote synthesis service for
// selected languages, with an on-device synthesizer as the fallback tier.
package playback

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/observability/metrics"
)

// Synthesizer renders text to 16-bit mono PCM.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageTag string) (pcm []byte, sampleRate int, err error)
}

// Sink plays or stores synthesized PCM.
type Sink interface {
	Play(ctx context.Context, pcm []byte, sampleRate int) error
}

// Speaker speaks text with a local synthesizer.
type Speaker interface {
	Speak(ctx context.Context, text, languageTag string) error
}

// Player picks a tier per request.
type Player struct {
	remote      Synthesizer
	remoteLangs map[string]bool
	sink        Sink
	device      Speaker
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Player.
type Option func(*Player)

// WithRemote enables the remote tier for the given language tags.
func WithRemote(s Synthesizer, sink Sink, languageTags ...string) Option {
	return func(p *Player) {
		p.remote = s
		p.sink = sink
		for _, t := range languageTags {
			p.remoteLangs[t] = true
		}
	}
}

// WithDevice sets the fallback tier.
func WithDevice(s Speaker) Option {
	return func(p *Player) { p.device = s }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// New creates a Player. With no options every Speak returns false.
func New(opts ...Option) *Player {
	p := &Player{
		remoteLangs: make(map[string]bool),
		logger:      logging.WithComponent("playback"),
		metrics:     metrics.DefaultMetrics,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Speak plays text and reports success. The remote tier is tried for its
// configured languages; the device tier handles the rest and any remote
// failure. Failures are logged, never returned.
func (p *Player) Speak(ctx context.Context, text, languageTag string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	logger := p.logger.With().Str("languageTag", languageTag).Logger()

	if p.remote != nil && p.sink != nil && p.remoteLangs[languageTag] {
		err := p.speakRemote(ctx, text, languageTag)
		p.metrics.RecordPlayback("remote", err)
		if err == nil {
			return true
		}
		logger.Warn().Err(err).Msg("Remote playback failed, falling back to device")
	}

	if p.device == nil {
		return false
	}
	err := p.device.Speak(ctx, text, languageTag)
	p.metrics.RecordPlayback("device", err)
	if err != nil {
		logger.Warn().Err(err).Msg("Device playback failed")
		return false
	}
	return true
}

func (p *Player) speakRemote(ctx context.Context, text, languageTag string) error {
	pcm, rate, err := p.remote.Synthesize(ctx, text, languageTag)
	if err != nil {
		return err
	}
	return p.sink.Play(ctx, pcm, rate)
}

// FileSink stores each utterance as a WAV file in Dir.
type FileSink struct {
	Dir string
	seq atomic.Uint64
}

// Play writes pcm to a new WAV file.
func (s *FileSink) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	_, err := s.Save(pcm, sampleRate)
	return err
}

// Save writes pcm to a new WAV file and returns its path.
func (s *FileSink) Save(pcm []byte, sampleRate int) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("speech-%d-%d.wav", time.Now().UnixMilli(), s.seq.Add(1))
	path := filepath.Join(s.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create wav: %w", err)
	}
	if err := encodeWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close wav: %w", err)
	}
	return path, nil
}

// encodeWAV wraps 16-bit little-endian mono PCM in a WAV container.
func encodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}
