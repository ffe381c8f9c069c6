package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
)

// Type names an outcome published to downstream consumers (dashboards,
// notification fan-out). Consumers must tolerate duplicates.
type Type string

const (
	TypeContactTransition Type = "contact.transition"
	TypeJobDeadLettered   Type = "job.dead_lettered"
	TypeRunStarted        Type = "run.started"
	TypeRunCancelled      Type = "run.cancelled"
	TypeRunCompleted      Type = "run.completed"
)

type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	ContactID string    `json:"contact_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	From      string    `json:"from,omitempty"`
	State     string    `json:"state,omitempty"`
	Seq       int       `json:"seq,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher emits events. Publishing is best-effort: callers log failures
// and never roll back state because of them.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Producer is the subset of *nsq.Producer used here.
type Producer interface {
	Publish(topic string, body []byte) error
}

type NSQPublisher struct {
	producer Producer
	topic    string
	log      *slog.Logger
}

func NewNSQPublisher(p Producer, topic string, log *slog.Logger) *NSQPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &NSQPublisher{producer: p, topic: topic, log: log}
}

// NewNSQProducer connects a producer to nsqd and verifies it answers.
func NewNSQProducer(addr string) (*nsq.Producer, error) {
	cfg := nsq.NewConfig()
	p, err := nsq.NewProducer(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("nsq ping: %w", err)
	}
	return p, nil
}

func (p *NSQPublisher) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		p.log.Warn("event publish failed", "type", e.Type, "run_id", e.RunID, "err", err)
		return err
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	events chan Event
}

func NewRecorder(size int) *Recorder { return &Recorder{events: make(chan Event, size)} }

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.events <- e:
	default:
	}
	return nil
}

// Drain returns what has been published so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
