// Package google provides a Google Cloud Speech-to-Text streaming transport.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/language"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/service/transport"
)

// Config holds Cloud Speech recognition settings.
type Config struct {
	SampleRateHz   int    // used when the source does not report a rate
	AudioEncoding  string // LINEAR16, MULAW, FLAC, ...
	InterimResults bool
	Model          string // empty = service default
	Punctuation    bool
}

// DefaultConfig returns the default recognition settings.
func DefaultConfig() Config {
	return Config{
		SampleRateHz:   16000,
		AudioEncoding:  "LINEAR16",
		InterimResults: true,
		Punctuation:    true,
	}
}

// parseAudioEncoding converts an encoding name to the Speech enum.
// Unknown names fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Audio is one session's worth of raw audio.
type Audio struct {
	io.ReadCloser
	SampleRateHz int // 0 = use Config.SampleRateHz
}

// Source supplies audio to a recognition session. Each Start opens it again.
type Source interface {
	Open(ctx context.Context) (Audio, error)
}

type openFunc func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

type session struct {
	cancel   context.CancelFunc
	stream   speechpb.Speech_StreamingRecognizeClient
	audio    Audio
	listener transport.Listener
	done     chan struct{}
}

// Adapter implements transport.Transport over Cloud Speech streaming
// recognition. A stream that ends on its own (audio exhausted, server
// duration limit, network error) is reported as an involuntary stop.
type Adapter struct {
	cfg    Config
	src    Source
	open   openFunc
	client *speech.Client
	logger zerolog.Logger

	mu   sync.Mutex
	sess *session
}

var _ transport.Transport = (*Adapter)(nil)

// New creates a Cloud Speech transport reading from src.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
func New(ctx context.Context, cfg Config, src Source) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	a := newAdapter(cfg, src, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return c.StreamingRecognize(ctx)
	})
	a.client = c
	return a, nil
}

func newAdapter(cfg Config, src Source, open openFunc) *Adapter {
	return &Adapter{
		cfg:    cfg,
		src:    src,
		open:   open,
		logger: logging.WithComponent("google-stt"),
	}
}

func (a *Adapter) Name() string { return "google" }

func (a *Adapter) Available(ctx context.Context) (bool, error) {
	return a.open != nil && a.src != nil, nil
}

// CheckPermission always grants: access is governed by service credentials.
func (a *Adapter) CheckPermission(ctx context.Context) (transport.PermissionState, error) {
	return transport.PermissionGranted, nil
}

func (a *Adapter) RequestPermission(ctx context.Context) (transport.PermissionState, error) {
	return transport.PermissionGranted, nil
}

func (a *Adapter) SupportedLanguages(ctx context.Context) ([]string, error) {
	all := language.All()
	tags := make([]string, len(all))
	for i, l := range all {
		tags[i] = l.Tag
	}
	return tags, nil
}

// Start opens the audio source and a streaming recognition call, then sends
// the initial config.
func (a *Adapter) Start(ctx context.Context, opts transport.Options, l transport.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return transport.ErrAlreadyStarted
	}

	sctx, cancel := context.WithCancel(ctx)
	audio, err := a.src.Open(sctx)
	if err != nil {
		cancel()
		return fmt.Errorf("open audio source: %w", err)
	}
	stream, err := a.open(sctx)
	if err != nil {
		cancel()
		audio.Close()
		return fmt.Errorf("open recognize stream: %w", err)
	}

	rate := audio.SampleRateHz
	if rate == 0 {
		rate = a.cfg.SampleRateHz
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
					SampleRateHertz:            int32(rate),
					LanguageCode:               opts.Language,
					MaxAlternatives:            int32(opts.MaxResults),
					Model:                      a.cfg.Model,
					EnableAutomaticPunctuation: a.cfg.Punctuation,
				},
				InterimResults: opts.PartialResults && a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		audio.Close()
		return fmt.Errorf("send streaming config: %w", err)
	}

	s := &session{cancel: cancel, stream: stream, audio: audio, listener: l, done: make(chan struct{})}
	a.sess = s

	a.logger.Info().
		Str("languageTag", opts.Language).
		Int("sampleRateHz", rate).
		Msg("Recognition stream opened")

	l.OnListeningState(transport.StatusStarted)
	go a.sendAudio(sctx, s)
	go a.receive(s)
	return nil
}

// Stop closes the current stream and reports it stopped.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	s := a.sess
	a.sess = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	s.cancel()
	s.audio.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.listener.OnListeningState(transport.StatusStopped)
	return nil
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) sendAudio(ctx context.Context, s *session) {
	defer s.stream.CloseSend()

	buf := make([]byte, 3200)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.audio.Read(buf)
		if n > 0 {
			sendErr := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: append([]byte(nil), buf[:n]...),
				},
			})
			if sendErr != nil {
				a.logger.Debug().Err(sendErr).Msg("Audio send ended")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Error().Err(err).Msg("Audio source failed")
			}
			return
		}
	}
}

// receive turns recognition responses into cumulative hypotheses until the
// stream ends.
func (a *Adapter) receive(s *session) {
	defer close(s.done)

	var acc accumulator
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			a.streamEnded(s, err)
			return
		}
		if matches := acc.apply(resp); len(matches) > 0 {
			s.listener.OnPartialResults(matches)
		}
	}
}

func (a *Adapter) streamEnded(s *session, err error) {
	a.mu.Lock()
	owned := a.sess == s
	if owned {
		a.sess = nil
	}
	a.mu.Unlock()
	if !owned {
		// Stop owns teardown and reporting.
		return
	}

	if errors.Is(err, io.EOF) {
		a.logger.Info().Msg("Recognition stream ended")
	} else {
		a.logger.Warn().Err(err).Msg("Recognition stream failed")
	}
	s.cancel()
	s.audio.Close()
	s.listener.OnListeningState(transport.StatusStopped)
}

// accumulator folds finalized results and the in-flight interim results into
// the cumulative snapshot a listener expects.
type accumulator struct {
	final []string
}

func (acc *accumulator) apply(resp *speechpb.StreamingRecognizeResponse) []string {
	if len(resp.Results) == 0 {
		return nil
	}

	var best, second []string
	hasSecond := false
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(r.Alternatives[0].Transcript)
		if r.IsFinal {
			if text != "" {
				acc.final = append(acc.final, text)
			}
			continue
		}
		if text != "" {
			best = append(best, text)
		}
		alt := text
		if len(r.Alternatives) > 1 {
			alt = strings.TrimSpace(r.Alternatives[1].Transcript)
			hasSecond = true
		}
		if alt != "" {
			second = append(second, alt)
		}
	}

	prefix := strings.Join(acc.final, " ")
	matches := []string{join(prefix, strings.Join(best, " "))}
	if hasSecond {
		matches = append(matches, join(prefix, strings.Join(second, " ")))
	}
	if matches[0] == "" {
		return nil
	}
	return matches
}

func join(prefix, s string) string {
	switch {
	case prefix == "":
		return s
	case s == "":
		return prefix
	default:
		return prefix + " " + s
	}
}
