package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nugget/jarvis/internal/events"
)

type fakeAPI struct {
	sent    []string
	actions int
	err     error
}

func (f *fakeAPI) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p.Text)
	return &telego.Message{Text: p.Text}, nil
}

func (f *fakeAPI) SendChatAction(context.Context, *telego.SendChatActionParams) error {
	f.actions++
	return nil
}

type fakeQueue struct {
	events []events.Event
}

func (q *fakeQueue) Enqueue(_ context.Context, ev events.Event) error {
	q.events = append(q.events, ev)
	return nil
}

func newTestTransport(cmds Commands) (*Transport, *fakeAPI, *fakeQueue) {
	a := &fakeAPI{}
	q := &fakeQueue{}
	return &Transport{
		api:      a,
		chatID:   42,
		queue:    q,
		commands: cmds,
		botName:  "Jarvis",
		logger:   slog.Default(),
	}, a, q
}

func message(chatID int64, text string) telego.Update {
	return telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: chatID}, Text: text}}
}

func TestHandleUpdate_EnqueuesChat(t *testing.T) {
	tr, a, q := newTestTransport(Commands{})

	tr.handleUpdate(context.Background(), message(42, "  is the garage open?  "))

	if len(q.events) != 1 {
		t.Fatalf("events = %d, want 1", len(q.events))
	}
	ev := q.events[0]
	if ev.Origin != events.OriginUser || ev.ConversationID != "42" || ev.Text != "is the garage open?" {
		t.Errorf("event = %+v", ev)
	}
	if a.actions != 1 {
		t.Errorf("typing actions = %d, want 1", a.actions)
	}
}

func TestHandleUpdate_IgnoresOtherChats(t *testing.T) {
	tr, a, q := newTestTransport(Commands{})

	tr.handleUpdate(context.Background(), message(7, "hello"))
	tr.handleUpdate(context.Background(), telego.Update{})
	tr.handleUpdate(context.Background(), message(42, "   "))

	if len(q.events) != 0 || len(a.sent) != 0 {
		t.Errorf("events = %d, sent = %d; want none", len(q.events), len(a.sent))
	}
}

func TestHandleUpdate_Commands(t *testing.T) {
	var briefings int
	tr, a, q := newTestTransport(Commands{Briefing: func(context.Context) error {
		briefings++
		return nil
	}})

	tr.handleUpdate(context.Background(), message(42, "/start"))
	tr.handleUpdate(context.Background(), message(42, "/briefing@jarvis_bot"))
	tr.handleUpdate(context.Background(), message(42, "/reboot"))

	if briefings != 1 {
		t.Errorf("briefings = %d, want 1", briefings)
	}
	if len(q.events) != 0 {
		t.Errorf("commands should not enqueue chat events, got %d", len(q.events))
	}
	want := []string{"Jarvis online. How can I help?", "Unknown command /reboot"}
	if strings.Join(a.sent, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q, want %q", a.sent, want)
	}
}

func TestHandleUpdate_BriefingFailure(t *testing.T) {
	tr, a, _ := newTestTransport(Commands{Briefing: func(context.Context) error {
		return errors.New("queue full")
	}})

	tr.handleUpdate(context.Background(), message(42, "/briefing"))

	if len(a.sent) != 1 || a.sent[0] != "Briefing failed: queue full" {
		t.Errorf("sent = %q", a.sent)
	}
}

func TestSend_Splits(t *testing.T) {
	tr, a, _ := newTestTransport(Commands{})

	long := strings.Repeat("word ", 1000) // 5000 characters
	if err := tr.Send(context.Background(), long); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(a.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(a.sent))
	}
	for _, m := range a.sent {
		if UTF16Len(m) > MaxMessageLength {
			t.Errorf("message of %d characters exceeds limit", UTF16Len(m))
		}
	}
}

func TestSend_SplitsByUTF16Length(t *testing.T) {
	tr, a, _ := newTestTransport(Commands{})

	// 3000 emoji are 3000 runes but 6000 UTF-16 units.
	long := strings.Repeat("🔥", 3000)
	if err := tr.Send(context.Background(), long); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(a.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(a.sent))
	}
	for _, m := range a.sent {
		if n := UTF16Len(m); n > MaxMessageLength {
			t.Errorf("message of %d UTF-16 units exceeds limit", n)
		}
	}
	if strings.Join(a.sent, "") != long {
		t.Error("split lost or reordered text")
	}
}

func TestUTF16Len(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"é", 1},
		{"°C", 2},
		{"🔥", 2},
		{"a🔥b", 4},
	}
	for _, tt := range tests {
		if got := UTF16Len(tt.in); got != tt.want {
			t.Errorf("UTF16Len(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSend_Error(t *testing.T) {
	tr, a, _ := newTestTransport(Commands{})
	a.err = errors.New("network down")

	if err := tr.Send(context.Background(), "hello"); err == nil {
		t.Error("expected send error")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "  ", limit: 10, want: nil},
		{name: "fits", text: "short", limit: 10, want: []string{"short"}},
		{name: "paragraph", text: "first part\n\nsecond part", limit: 15, want: []string{"first part", "second part"}},
		{name: "line", text: "line one\nline two", limit: 12, want: []string{"line one", "line two"}},
		{name: "word", text: "alpha beta gamma", limit: 11, want: []string{"alpha beta", "gamma"}},
		{name: "hard cut", text: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "multibyte", text: "ééééé", limit: 2, want: []string{"éé", "éé", "é"}},
		{name: "astral counts double", text: "😀😀😀", limit: 4, want: []string{"😀😀", "😀"}},
		{name: "astral wider than limit", text: "😀a", limit: 1, want: []string{"😀", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Split(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/start", "start", true},
		{"/Briefing@jarvis_bot now", "briefing", true},
		{"hello /start", "", false},
	}
	for _, tt := range tests {
		got, ok := command(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("command(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
