// Package notify emits best-effort events to the challenge-scoring
// collaborator after successful ingestion.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the minimal kafka.Writer surface the notifier needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ScoringEvent tells the scoring job which athlete and day to recompute.
type ScoringEvent struct {
	AthleteID string    `json:"athlete_id"`
	StartedAt time.Time `json:"started_at"`
}

// Option configures optional behaviour for the ScoringNotifier.
type Option func(*ScoringNotifier)

// WithLogger overrides the logger used to report delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(n *ScoringNotifier) {
		n.logger = logger
	}
}

// WithWriter substitutes the Kafka writer, used by tests.
func WithWriter(w Writer) Option {
	return func(n *ScoringNotifier) {
		n.writer = w
	}
}

// ScoringNotifier publishes scoring recompute events to Kafka. Delivery is
// fire-and-forget: a failed publish is logged and never fails the sync that
// produced it.
type ScoringNotifier struct {
	writer  Writer
	logger  *log.Logger
	timeout time.Duration
}

// NewScoringNotifier constructs a notifier writing to the given topic.
func NewScoringNotifier(brokers []string, topic string, opts ...Option) *ScoringNotifier {
	n := &ScoringNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger:  log.New(log.Writer(), "[notify] ", log.LstdFlags),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ActivityChanged notifies scoring that an athlete's completion record was
// created or updated. It returns immediately; publishing happens in the
// background with its own timeout, detached from the caller's context.
func (n *ScoringNotifier) ActivityChanged(athleteID string, startedAt time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		payload, err := json.Marshal(ScoringEvent{AthleteID: athleteID, StartedAt: startedAt})
		if err != nil {
			n.logger.Printf("failed to encode scoring event: %v", err)
			return
		}

		msg := kafka.Message{
			Key:   []byte(athleteID),
			Value: payload,
			Time:  time.Now().UTC(),
		}
		if err := n.writer.WriteMessages(ctx, msg); err != nil {
			n.logger.Printf("scoring notification dropped for athlete %s: %v", athleteID, err)
		}
	}()
}

// Close releases the underlying writer.
func (n *ScoringNotifier) Close() error {
	return n.writer.Close()
}
