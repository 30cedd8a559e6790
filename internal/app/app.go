// Package app wires the service components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/config"
	"ai-speech-sentence-service/internal/events"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/observability/metrics"
	"ai-speech-sentence-service/internal/schema"
	"ai-speech-sentence-service/internal/service/enhance"
	"ai-speech-sentence-service/internal/service/history"
	"ai-speech-sentence-service/internal/service/history/mongo"
	"ai-speech-sentence-service/internal/service/history/sqlite"
	"ai-speech-sentence-service/internal/service/playback"
	"ai-speech-sentence-service/internal/service/recording"
	"ai-speech-sentence-service/internal/service/segment"
	"ai-speech-sentence-service/internal/service/session"
	"ai-speech-sentence-service/internal/service/transport"
	"ai-speech-sentence-service/internal/service/transport/device"
	"ai-speech-sentence-service/internal/service/transport/google"
	"ai-speech-sentence-service/internal/service/transport/mock"
)

// ErrUnknownBackend is returned for an unsupported transport or history backend.
var ErrUnknownBackend = errors.New("unknown backend")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Metrics     *metrics.Metrics

	Transport   transport.Transport
	Bridge      *device.Bridge // set for the device transport
	Supervisor  *session.Supervisor
	History     *history.Store
	Enhancer    *enhance.Client
	Player      *playback.Player
	Publisher   *events.Publisher
	Coordinator *recording.Coordinator

	closers []func(context.Context) error
	ready   atomic.Bool
}

// New configures logging and returns an application ready to Start.
func New(cfg *config.Config) *Application {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
		File:       cfg.Observability.LogFile,
		MaxSizeMB:  cfg.Observability.LogMaxSizeMB,
		MaxBackups: cfg.Observability.LogMaxBackups,
	})

	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
		Logger: logging.Logger().With().
			Str("service", "ai-speech-sentence-service").
			Str("component", "application").
			Logger(),
	}
	a.Logger.Info().
		Str("logLevel", cfg.Observability.LogLevel).
		Str("transport", cfg.Transport.Provider).
		Msg("Application created")
	return a
}

// Start builds every component. On error the components built so far are
// closed.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().Str("method", "Start").Logger()
	a.StartupTime = time.Now().UTC()

	if err := a.build(ctx); err != nil {
		a.close(context.Background())
		return err
	}

	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("transport", a.Transport.Name()).
		Str("history", a.Cfg.History.Backend).
		Bool("enhancement", a.Enhancer.Enabled()).
		Bool("kafka", a.Publisher.Enabled()).
		Msg("AI Speech Sentence service started")
	return nil
}

func (a *Application) build(ctx context.Context) error {
	cfg := a.Cfg

	a.Publisher = events.New(&events.Config{
		Enabled:       cfg.Kafka.Enabled,
		Brokers:       cfg.Kafka.Brokers,
		TopicSentence: cfg.Kafka.TopicSentence,
		TopicSession:  cfg.Kafka.TopicSession,
		Principal:     cfg.Kafka.Principal,
	})
	a.onClose(func(context.Context) error { return a.Publisher.Close() })

	backend, err := a.historyBackend(ctx)
	if err != nil {
		return err
	}
	a.History = history.New(backend,
		history.WithCapacity(cfg.History.Capacity),
		history.WithKey(cfg.History.Key),
		history.WithMetrics(a.Metrics),
	)
	if err := a.History.Load(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Starting with empty history")
	}

	if a.Enhancer, err = a.enhancer(ctx); err != nil {
		return err
	}
	a.Player = a.player()

	if a.Transport, err = a.transport(ctx); err != nil {
		return err
	}

	a.Coordinator = recording.New(a.Publisher, recording.Config{
		AutoRefine:  cfg.Enhancement.AutoRefine,
		AutoSpeak:   cfg.Playback.Enabled && cfg.Playback.AutoSpeak,
		MaxInFlight: cfg.Enhancement.MaxInFlight,
	},
		recording.WithEnhancer(a.Enhancer),
		recording.WithSpeaker(a.Player),
		recording.WithValidator(schema.New()),
	)
	a.onClose(a.Coordinator.Close)

	a.Supervisor = session.New(a.Transport, session.Config{
		PollInterval:           cfg.Segmentation.PollInterval,
		SilenceThreshold:       cfg.Segmentation.SilenceThreshold,
		MaxResults:             cfg.Transport.MaxResults,
		MaxConsecutiveRestarts: cfg.Session.MaxConsecutiveRestarts,
		RestartBackoff:         cfg.Session.RestartBackoff,
		RestartBackoffMax:      cfg.Session.RestartBackoffMax,
		MaxDuration:            cfg.Session.MaxDuration,
		MaxSentences:           cfg.Session.MaxSentences,
	},
		session.WithHistory(a.History),
		session.WithObserver(a.Coordinator),
		session.WithMetrics(a.Metrics),
		session.WithIDs(segment.New()),
	)
	// Runs before the coordinator closes so the final events still go out.
	a.onClose(a.Supervisor.Close)
	return nil
}

func (a *Application) historyBackend(ctx context.Context) (history.Backend, error) {
	h := a.Cfg.History
	switch h.Backend {
	case "", "memory":
		return history.NewMemoryBackend(), nil
	case "sqlite":
		b, err := sqlite.Open(ctx, h.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("history sqlite: %w", err)
		}
		a.onClose(func(context.Context) error { return b.Close() })
		return b, nil
	case "mongo":
		b, err := mongo.Connect(ctx, h.MongoURI, h.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("history mongo: %w", err)
		}
		a.onClose(b.Close)
		return b, nil
	default:
		return nil, fmt.Errorf("%w: history %q", ErrUnknownBackend, h.Backend)
	}
}

func (a *Application) enhancer(ctx context.Context) (*enhance.Client, error) {
	e := a.Cfg.Enhancement
	ecfg := enhance.DefaultConfig(enhance.Provider(e.Provider))
	if e.Enabled {
		ecfg.APIKey = e.APIKey
	}
	ecfg.BaseURL = e.BaseURL
	if len(e.Models) > 0 {
		ecfg.Models = e.Models
	}
	if e.Timeout > 0 {
		ecfg.Timeout = e.Timeout
	}
	c, err := enhance.New(ctx, ecfg, enhance.WithMetrics(a.Metrics))
	if err != nil {
		return nil, fmt.Errorf("enhancement: %w", err)
	}
	return c, nil
}

func (a *Application) player() *playback.Player {
	p := a.Cfg.Playback
	if !p.Enabled {
		return playback.New(playback.WithMetrics(a.Metrics))
	}

	opts := []playback.Option{
		playback.WithMetrics(a.Metrics),
		playback.WithDevice(playback.CommandSpeaker{Args: p.DeviceCommand}),
	}
	if p.APIKey != "" && p.VoiceID != "" {
		rcfg := playback.DefaultRemoteConfig()
		rcfg.APIKey = p.APIKey
		rcfg.VoiceID = p.VoiceID
		if p.BaseURL != "" {
			rcfg.BaseURL = p.BaseURL
		}
		if p.ModelID != "" {
			rcfg.ModelID = p.ModelID
		}
		sink := &playback.FileSink{Dir: p.OutputDir}
		opts = append(opts, playback.WithRemote(playback.NewRemote(rcfg), sink, p.RemoteLanguages...))
	}
	return playback.New(opts...)
}

func (a *Application) transport(ctx context.Context) (transport.Transport, error) {
	t := a.Cfg.Transport
	switch t.Provider {
	case "", "mock":
		mcfg := mock.DefaultConfig()
		mcfg.Loop = t.MockLoop
		if t.MockInterval > 0 {
			mcfg.Interval = t.MockInterval
		}
		if t.MockPause > 0 {
			mcfg.Pause = t.MockPause
		}
		mcfg.Languages = a.Cfg.Languages
		return mock.New(mcfg), nil

	case "google":
		if t.AudioFile == "" {
			return nil, errors.New("google transport needs TRANSPORT_AUDIO_FILE")
		}
		src, err := google.NewWAVSource(t.AudioFile, true)
		if err != nil {
			return nil, fmt.Errorf("google transport: %w", err)
		}
		gcfg := google.DefaultConfig()
		gcfg.SampleRateHz = t.SampleRateHz
		gcfg.AudioEncoding = t.AudioEncoding
		gcfg.Model = t.Model
		g, err := google.New(ctx, gcfg, src)
		if err != nil {
			return nil, fmt.Errorf("google transport: %w", err)
		}
		a.onClose(func(context.Context) error { return g.Close() })
		return g, nil

	case "device":
		a.Bridge = device.NewBridge(
			device.WithCallTimeout(t.DeviceCallTimeout),
			device.WithMetrics(a.Metrics),
		)
		return a.Bridge, nil

	default:
		return nil, fmt.Errorf("%w: transport %q", ErrUnknownBackend, t.Provider)
	}
}

// Ready reports whether Start completed and Shutdown has not begun.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown stops the active recording and releases resources in reverse
// construction order.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().Str("method", "Shutdown").Logger()
	a.ready.Store(false)
	shutdownLogger.Info().Msg("AI Speech Sentence service shutting down")
	a.close(ctx)
}

func (a *Application) onClose(f func(context.Context) error) {
	a.closers = append(a.closers, f)
}

func (a *Application) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Shutdown step failed")
		}
	}
	a.closers = nil
}
