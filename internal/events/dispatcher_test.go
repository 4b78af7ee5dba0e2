package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startDispatcher(t *testing.T, h Handler) (*Dispatcher, context.CancelFunc, chan struct{}) {
	t.Helper()
	d := NewDispatcher(h, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return d, cancel, stopped
}

func TestDispatcher_SameConversationIsSerialAndOrdered(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		active  int32
		overlap int32
		wg      sync.WaitGroup
	)
	wg.Add(5)
	d, _, _ := startDispatcher(t, func(ctx context.Context, ev Event) {
		defer wg.Done()
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, ev.Text)
		mu.Unlock()
		atomic.AddInt32(&active, -1)
	})

	for _, text := range []string{"1", "2", "3", "4", "5"} {
		if err := d.Enqueue(context.Background(), New(OriginUser, KindChat, "chat-1", text)); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if overlap != 0 {
		t.Error("two cycles ran concurrently on one conversation")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"1", "2", "3", "4", "5"} {
		if order[i] != want {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestDispatcher_ConversationsRunConcurrently(t *testing.T) {
	chatStarted := make(chan struct{})
	release := make(chan struct{})
	briefingDone := make(chan struct{})

	d, _, _ := startDispatcher(t, func(ctx context.Context, ev Event) {
		switch ev.ConversationID {
		case "chat-1":
			close(chatStarted)
			<-release
		case ConversationBriefing:
			close(briefingDone)
		}
	})

	if err := d.Enqueue(context.Background(), New(OriginUser, KindChat, "chat-1", "long question")); err != nil {
		t.Fatal(err)
	}
	<-chatStarted
	if err := d.Enqueue(context.Background(), New(OriginScheduled, KindBriefing, ConversationBriefing, "")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-briefingDone:
	case <-time.After(2 * time.Second):
		t.Fatal("briefing blocked behind in-flight chat cycle")
	}
	close(release)
}

func TestDispatcher_PanicDoesNotKillWorker(t *testing.T) {
	done := make(chan string, 2)
	d, _, _ := startDispatcher(t, func(ctx context.Context, ev Event) {
		if ev.Text == "boom" {
			panic("handler bug")
		}
		done <- ev.Text
	})
	d.Enqueue(context.Background(), New(OriginUser, KindChat, "c", "boom"))
	d.Enqueue(context.Background(), New(OriginUser, KindChat, "c", "after"))

	select {
	case got := <-done:
		if got != "after" {
			t.Errorf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event after panic was not handled")
	}
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d, cancel, stopped := startDispatcher(t, func(context.Context, Event) {})
	cancel()
	<-stopped
	if err := d.Enqueue(context.Background(), New(OriginWebhook, KindWebhook, ConversationWebhook, "x")); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestNew(t *testing.T) {
	ev := New(OriginScheduled, KindAlert, ConversationAlerts, "Alert: spa hot")
	if ev.ID == "" || ev.Time.IsZero() {
		t.Errorf("event = %+v", ev)
	}
	if ev.Origin != OriginScheduled || ev.ConversationID != "alerts" {
		t.Errorf("event = %+v", ev)
	}
}
