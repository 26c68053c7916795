// Package scheduler delivers scheduled messages and statuses once they are due.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wbot/internal/transport"
)

// Interval is how often due tasks are polled.
const Interval = time.Minute

// Task types.
const (
	TypeMessage = "message"
	TypeStatus  = "status"
)

// Task is one scheduled delivery.
type Task struct {
	ID          string
	TenantID    string
	Type        string
	Recipient   string
	Content     string
	MediaURL    string
	ScheduledAt time.Time
}

// Claimer reads due tasks and records their outcome.
type Claimer interface {
	// ClaimDue returns pending tasks scheduled at or before now.
	ClaimDue(ctx context.Context, now time.Time) ([]Task, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// Sessions looks up a tenant's connected transport.
type Sessions interface {
	Transport(tenantID string) (transport.Transport, bool)
}

// Scheduler polls a Claimer on a fixed interval.
type Scheduler struct {
	claimer  Claimer
	sessions Sessions
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. A nil clock uses the wall clock and a zero
// interval uses Interval.
func New(claimer Claimer, sessions Sessions, clk clock.Clock, interval time.Duration, log zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = Interval
	}
	return &Scheduler{
		claimer:  claimer,
		sessions: sessions,
		clock:    clk,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs the polling loop until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}(s.done)

	s.log.Info().Dur("interval", s.interval).Msg("Scheduler started")
}

// Stop ends the polling loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce delivers every due task whose session is connected and returns
// how many were attempted.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	tasks, err := s.claimer.ClaimDue(ctx, s.clock.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("Could not load due tasks")
		return 0
	}

	attempted := 0
	for _, task := range tasks {
		tr, ok := s.sessions.Transport(task.TenantID)
		if !ok {
			s.log.Debug().Str("tenant", task.TenantID).Str("task", task.ID).Msg("Session not active, task left pending")
			continue
		}
		attempted++
		s.deliver(ctx, tr, task)
	}
	return attempted
}

func (s *Scheduler) deliver(ctx context.Context, tr transport.Transport, task Task) {
	log := s.log.With().Str("tenant", task.TenantID).Str("task", task.ID).Str("type", task.Type).Logger()

	chatID, payload, err := build(task)
	if err == nil {
		_, err = tr.Send(ctx, chatID, payload)
	}
	if err != nil {
		log.Error().Err(err).Msg("Task failed")
		if markErr := s.claimer.MarkFailed(ctx, task.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("Could not mark task failed")
		}
		return
	}

	if err := s.markSent(ctx, task.ID); err != nil {
		log.Error().Err(err).Bool("duplicate_risk", true).Str("chat", chatID).
			Msg("Task sent but still pending, it will be sent again on the next tick")
		return
	}
	log.Info().Str("chat", chatID).Msg("Task sent")
}

// markSent records a delivery, retrying once: a task left pending after a
// send is delivered twice.
func (s *Scheduler) markSent(ctx context.Context, id string) error {
	err := s.claimer.MarkSent(ctx, id)
	if err == nil {
		return nil
	}
	s.log.Warn().Err(err).Str("task", id).Msg("Could not mark task sent, retrying")
	return s.claimer.MarkSent(ctx, id)
}

// build turns a task into a destination and payload.
func build(task Task) (string, transport.Payload, error) {
	var chatID string
	switch task.Type {
	case TypeStatus:
		chatID = transport.StatusBroadcast
	case TypeMessage, "":
		if task.Recipient == "" {
			return "", transport.Payload{}, errors.New("message task has no recipient")
		}
		chatID = task.Recipient
	default:
		return "", transport.Payload{}, errors.New("unknown task type " + task.Type)
	}

	if task.MediaURL == "" {
		return chatID, transport.Text(task.Content), nil
	}
	kind := transport.KindImage
	lower := strings.ToLower(task.MediaURL)
	if strings.Contains(lower, ".mp4") || strings.Contains(lower, ".mov") {
		kind = transport.KindVideo
	}
	return chatID, transport.Payload{Media: &transport.Media{
		Kind:    kind,
		URL:     task.MediaURL,
		Caption: task.Content,
	}}, nil
}
