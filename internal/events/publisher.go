// Package events publishes recording events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-sentence-service/internal/models"
	"ai-speech-sentence-service/internal/observability/metrics"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicSentence string
	TopicSession  string
	Principal     string
	Enabled       bool
}

// Publisher writes sentence and session events to their own topics. When
// disabled it only logs the payloads.
type Publisher struct {
	sentences     *kafka.Writer
	sessions      *kafka.Writer
	principal     string
	topicSentence string
	topicSession  string
	enabled       bool
	metrics       *metrics.Metrics
}

// New creates a publisher. A nil config, Enabled=false or an empty broker
// list yields a log-only publisher.
func New(cfg *Config) *Publisher {
	p := &Publisher{metrics: metrics.DefaultMetrics}
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}
	p.principal = cfg.Principal
	p.topicSentence = cfg.TopicSentence
	p.topicSession = cfg.TopicSession

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	p.sentences = newWriter(cfg.Brokers, cfg.TopicSentence, transport)
	p.sessions = newWriter(cfg.Brokers, cfg.TopicSession, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicSentence", cfg.TopicSentence).
		Str("topicSession", cfg.TopicSession).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

func newWriter(brokers []string, topic string, t *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    t,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishSentence publishes a sentence event keyed by session so one
// recording's sentences stay ordered on a partition.
func (p *Publisher) PublishSentence(ctx context.Context, ev models.SentenceEvent) error {
	return p.publish(ctx, p.sentences, p.topicSentence, ev.EventType, ev.SessionID, ev)
}

// PublishSession publishes a session lifecycle event.
func (p *Publisher) PublishSession(ctx context.Context, ev models.SessionEvent) error {
	return p.publish(ctx, p.sessions, p.topicSession, ev.EventType, ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, w *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || w == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	err = w.WriteMessages(ctx, msg)
	p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("Failed to write to Kafka")
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []*kafka.Writer{p.sentences, p.sessions} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", w.Topic).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
