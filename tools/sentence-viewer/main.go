// Sentence Viewer shows finalized sentences and recording lifecycle events
// as they are published, by tailing the Kafka topics and pushing each event
// to connected browsers over a WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

//go:embed static/*
var staticFiles embed.FS

// Event is the union of sentence and session events on the wire.
type Event struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	LanguageTag string `json:"languageTag"`
	SentenceID  string `json:"sentenceId,omitempty"`
	Text        string `json:"text,omitempty"`
	RefinedText string `json:"refinedText,omitempty"`
	Reason      string `json:"reason,omitempty"`
	State       string `json:"state,omitempty"`
	Restarts    int    `json:"restarts,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Hub fans events out to browser connections.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("clients", n).Msg("Viewer connected")
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.Close()
		log.Info().Int("clients", n).Msg("Viewer disconnected")
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(ev); err != nil {
			log.Warn().Err(err).Msg("Dropping viewer after write error")
			c.Close()
			delete(h.clients, c)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		hub.add(c)
		go func() {
			defer hub.remove(c)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// consume tails partition 0 of topic starting at since.
func consume(ctx context.Context, hub *Hub, brokers []string, topic string, since time.Duration) {
	logger := log.With().Str("topic", topic).Logger()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		logger.Warn().Err(err).Msg("Could not seek, reading from the current offset")
	}
	logger.Info().Dur("since", since).Msg("Consuming")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warn().Err(err).Msg("Skipping undecodable event")
			continue
		}
		logger.Debug().
			Str("eventType", ev.EventType).
			Str("sessionId", ev.SessionID).
			Str("text", truncate(ev.Text, 40)).
			Msg("Received event")
		hub.broadcast(ev)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicSentence := flag.String("topic-sentence", "speech.sentence", "Sentence event topic")
	topicSession := flag.String("topic-session", "speech.session", "Session event topic")
	since := flag.Duration("since", time.Hour, "Replay events newer than this")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub()
	brokerList := strings.Split(*brokers, ",")
	go consume(ctx, hub, brokerList, *topicSentence, *since)
	go consume(ctx, hub, brokerList, *topicSession, *since)

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatal().Err(err).Msg("Missing static assets")
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", wsHandler(hub))

	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("url", "http://localhost:"+*port).
		Strs("brokers", brokerList).
		Str("sentenceTopic", *topicSentence).
		Str("sessionTopic", *topicSession).
		Msg("Sentence Viewer starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
