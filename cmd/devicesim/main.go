// Command devicesim plays the part of a phone recognizer connected to the
// device bridge. It answers bridge commands and replays a scripted
// conversation as cumulative hypotheses, ending sessions on its own every
// few utterances the way a real engine does.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-sentence-service/internal/service/transport"
	"ai-speech-sentence-service/internal/service/transport/device"
	"ai-speech-sentence-service/internal/service/transport/mock"
)

type simulator struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	interval   time.Duration
	pause      time.Duration
	stopEvery  int
	permission transport.PermissionState
	languages  []string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cursor int
}

func main() {
	serverAddr := flag.String("server", "ws://localhost:8080/v1/device", "Device bridge URL")
	interval := flag.Duration("interval", 400*time.Millisecond, "Delay between hypotheses")
	pause := flag.Duration("pause", 2500*time.Millisecond, "Silence after each utterance")
	stopEvery := flag.Int("stop-every", 3, "Utterances per session before the engine stops on its own (0 = never)")
	permission := flag.String("permission", string(transport.PermissionGranted), "Reported microphone permission")
	languages := flag.String("languages", "vi-VN,en-US", "Comma-separated supported languages")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ws, _, err := websocket.DefaultDialer.Dial(*serverAddr, nil)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverAddr).Msg("Failed to connect")
	}
	defer ws.Close()
	log.Info().Str("server", *serverAddr).Msg("Connected to device bridge")

	sim := &simulator{
		ws:         ws,
		interval:   *interval,
		pause:      *pause,
		stopEvery:  *stopEvery,
		permission: transport.PermissionState(*permission),
		languages:  strings.Split(*languages, ","),
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Disconnecting")
		sim.halt()
		sim.write(nil)
		os.Exit(0)
	}()

	for {
		var m device.Message
		if err := ws.ReadJSON(&m); err != nil {
			log.Info().Err(err).Msg("Bridge closed the connection")
			sim.halt()
			return
		}
		sim.handle(m)
	}
}

func (s *simulator) handle(m device.Message) {
	reply := device.Message{ID: m.ID, Type: device.TypeReply}
	switch m.Type {
	case device.CmdAvailable:
		reply.Available = true
	case device.CmdCheckPermission, device.CmdRequestPermission:
		reply.Permission = s.permission
	case device.CmdSupportedLanguages:
		reply.Languages = s.languages
	case device.CmdStart:
		if s.permission != transport.PermissionGranted {
			reply.Code = device.CodePermissionDenied
			break
		}
		if !s.begin(m.Options) {
			reply.Code = device.CodeAlreadyStarted
		}
	case device.CmdStop:
		s.write(&reply)
		if s.halt() {
			s.write(&device.Message{Type: device.TypeListeningState, Status: transport.StatusStopped})
		}
		return
	default:
		reply.Error = "unknown command " + m.Type
	}
	s.write(&reply)
}

// begin starts a replay session. It reports false if one is already running.
func (s *simulator) begin(opts *device.StartOptions) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	lang := ""
	if opts != nil {
		lang = opts.Language
	}
	log.Info().Str("language", lang).Msg("Session started")
	go s.replay(ctx, s.done)
	return true
}

// halt cancels the running session and waits for it. It reports whether a
// session was running.
func (s *simulator) halt() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (s *simulator) replay(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.write(&device.Message{Type: device.TypeListeningState, Status: transport.StatusStarted})

	var prefix string
	for n := 1; ; n++ {
		u := s.next()
		for _, h := range u.Hypotheses {
			if !sleep(ctx, s.interval) {
				return
			}
			s.write(&device.Message{Type: device.TypePartialResults, Matches: []string{join(prefix, h)}})
		}
		prefix = join(prefix, u.Hypotheses[len(u.Hypotheses)-1])

		if s.stopEvery > 0 && n%s.stopEvery == 0 {
			s.engineStop()
			return
		}
		if !sleep(ctx, s.pause) {
			return
		}
	}
}

// engineStop ends the session without being asked.
func (s *simulator) engineStop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	log.Info().Msg("Engine stopped on its own")
	s.write(&device.Message{Type: device.TypeListeningState, Status: transport.StatusStopped})
}

func (s *simulator) next() mock.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := mock.DefaultUtterances[s.cursor%len(mock.DefaultUtterances)]
	s.cursor++
	return u
}

// write sends m, or a close frame when m is nil.
func (s *simulator) write(m *device.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var err error
	if m == nil {
		err = s.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	} else {
		err = s.ws.WriteJSON(m)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Write failed")
		return
	}
	if m != nil && m.Type == device.TypePartialResults {
		log.Debug().Strs("matches", m.Matches).Msg("Sent hypothesis")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func join(prefix, text string) string {
	if prefix == "" {
		return text
	}
	return prefix + " " + text
}
