package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"wbot/internal/transport"
	"wbot/internal/transport/transporttest"
)

type memClaimer struct {
	mu     sync.Mutex
	tasks  []Task
	status map[string]string
	errors map[string]string
	calls  int
	// markErrs fails the next MarkSent calls, one error per call.
	markErrs []error
}

func newMemClaimer(tasks ...Task) *memClaimer {
	c := &memClaimer{tasks: tasks, status: map[string]string{}, errors: map[string]string{}}
	for _, t := range tasks {
		c.status[t.ID] = "pending"
	}
	return c
}

func (c *memClaimer) ClaimDue(_ context.Context, now time.Time) ([]Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	var due []Task
	for _, t := range c.tasks {
		if c.status[t.ID] == "pending" && !t.ScheduledAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (c *memClaimer) MarkSent(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.markErrs) > 0 {
		err := c.markErrs[0]
		c.markErrs = c.markErrs[1:]
		return err
	}
	c.status[id] = "sent"
	return nil
}

func (c *memClaimer) MarkFailed(_ context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[id] = "failed"
	c.errors[id] = reason
	return nil
}

func (c *memClaimer) Status(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[id]
}

func (c *memClaimer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type sessions map[string]*transporttest.Fake

func (s sessions) Transport(tenantID string) (transport.Transport, bool) {
	f, ok := s[tenantID]
	if !ok {
		return nil, false
	}
	return f, true
}

func TestRunOnce(t *testing.T) {
	clk := clock.NewMock()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clk.Set(now)

	tasks := []Task{
		{ID: "text", TenantID: "a", Type: TypeMessage, Recipient: "1@s.whatsapp.net", Content: "hello", ScheduledAt: now.Add(-time.Minute)},
		{ID: "video", TenantID: "a", Type: TypeStatus, Content: "clip", MediaURL: "https://cdn.example/x.MP4", ScheduledAt: now},
		{ID: "image", TenantID: "a", Type: TypeMessage, Recipient: "2@s.whatsapp.net", Content: "pic", MediaURL: "https://cdn.example/x.jpg", ScheduledAt: now},
		{ID: "future", TenantID: "a", Type: TypeMessage, Recipient: "1@s.whatsapp.net", ScheduledAt: now.Add(time.Hour)},
		{ID: "offline", TenantID: "b", Type: TypeMessage, Recipient: "1@s.whatsapp.net", ScheduledAt: now},
		{ID: "broken", TenantID: "a", Type: TypeMessage, Recipient: "3@s.whatsapp.net", ScheduledAt: now},
		{ID: "norecipient", TenantID: "a", Type: TypeMessage, ScheduledAt: now},
	}
	claimer := newMemClaimer(tasks...)
	fake := transporttest.New("a", "owner@s.whatsapp.net")
	fake.SendErr["3@s.whatsapp.net"] = errors.New("not on whatsapp")

	s := New(claimer, sessions{"a": fake}, clk, 0, zerolog.Nop())
	if got := s.RunOnce(context.Background()); got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}

	want := map[string]string{
		"text":        "sent",
		"video":       "sent",
		"image":       "sent",
		"future":      "pending",
		"offline":     "pending",
		"broken":      "failed",
		"norecipient": "failed",
	}
	for id, status := range want {
		if got := claimer.Status(id); got != status {
			t.Fatalf("task %s: expected %s, got %s", id, status, got)
		}
	}
	if claimer.errors["broken"] != "not on whatsapp" {
		t.Fatalf("unexpected failure reason %q", claimer.errors["broken"])
	}

	sent := fake.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sent))
	}
	if sent[0].ChatID != "1@s.whatsapp.net" || sent[0].Payload.Text != "hello" {
		t.Fatalf("unexpected text delivery %+v", sent[0])
	}
	if sent[1].ChatID != transport.StatusBroadcast || sent[1].Payload.Media == nil || sent[1].Payload.Media.Kind != transport.KindVideo {
		t.Fatalf("unexpected status delivery %+v", sent[1])
	}
	if m := sent[2].Payload.Media; m == nil || m.Kind != transport.KindImage || m.Caption != "pic" {
		t.Fatalf("unexpected image delivery %+v", sent[2])
	}

	// Terminal tasks are not picked up again.
	if got := s.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected no attempts on second run, got %d", got)
	}
}

func TestMarkSentIsRetried(t *testing.T) {
	clk := clock.NewMock()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clk.Set(now)

	claimer := newMemClaimer(Task{ID: "t", TenantID: "a", Type: TypeMessage, Recipient: "1@s.whatsapp.net", Content: "once", ScheduledAt: now})
	claimer.markErrs = []error{errors.New("database is locked")}
	fake := transporttest.New("a", "owner@s.whatsapp.net")

	s := New(claimer, sessions{"a": fake}, clk, 0, zerolog.Nop())
	s.RunOnce(context.Background())
	if got := claimer.Status("t"); got != "sent" {
		t.Fatalf("expected sent after retry, got %s", got)
	}

	s.RunOnce(context.Background())
	if n := len(fake.Sent()); n != 1 {
		t.Fatalf("expected a single delivery, got %d", n)
	}
}

func TestStartTicksOnInterval(t *testing.T) {
	clk := clock.NewMock()
	claimer := newMemClaimer()
	s := New(claimer, sessions{}, clk, time.Minute, zerolog.Nop())

	s.Start(context.Background())
	defer s.Stop()

	for i := 1; i <= 3; i++ {
		clk.Add(time.Minute)
		deadline := time.Now().Add(time.Second)
		for claimer.Calls() < i {
			if time.Now().After(deadline) {
				t.Fatalf("expected %d polls, got %d", i, claimer.Calls())
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(newMemClaimer(), sessions{}, clock.NewMock(), 0, zerolog.Nop())
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
