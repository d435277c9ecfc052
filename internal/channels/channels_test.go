package channels

import (
	"context"
	"errors"
	"testing"
)

// fakeChannel records sends for assertions.
type fakeChannel struct {
	name     string
	messages []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) SendMessage(_ context.Context, to, text string) error {
	f.messages = append(f.messages, to+": "+text)
	return nil
}

func (f *fakeChannel) SendFile(context.Context, string, string, string) error { return nil }
func (f *fakeChannel) SendVoiceNote(context.Context, string, string) error    { return nil }
func (f *fakeChannel) React(context.Context, string, string, string) error    { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	tg := &fakeChannel{name: "telegram"}
	r.Register(tg)

	ch, err := r.Get("telegram")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := ch.SendMessage(context.Background(), "42", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(tg.messages) != 1 || tg.messages[0] != "42: hi" {
		t.Errorf("messages: %v", tg.messages)
	}

	if _, err := r.Get("slack"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestPolicyIsAdmin(t *testing.T) {
	p := &Policy{AdminUsers: map[string][]string{"telegram": {"100", "200"}}}

	if !p.IsAdmin("telegram", "100") {
		t.Error("100 should be admin on telegram")
	}
	if p.IsAdmin("telegram", "300") {
		t.Error("300 should not be admin")
	}
	if p.IsAdmin("email", "100") {
		t.Error("admin status should not leak across channels")
	}
	if p.IsAdmin("telegram", "") {
		t.Error("empty user id is never admin")
	}
}

func TestPolicyAllowSend(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeChannel{name: "email"})
	p := &Policy{
		CrossChannelExempt: []string{"send_email"},
		Registry:           reg,
	}

	// Unmapped send tools always stay on the origin channel.
	if !p.AllowSend("send_message", "telegram") {
		t.Error("send_message should be allowed on origin channel")
	}

	// Exempt tool with configured destination channel.
	if !p.AllowSend("send_email", "telegram") {
		t.Error("send_email should be allowed cross-channel when email is configured")
	}

	// Exempt tool without a configured destination.
	p2 := &Policy{CrossChannelExempt: []string{"send_email"}, Registry: NewRegistry()}
	if p2.AllowSend("send_email", "telegram") {
		t.Error("send_email should be blocked when email channel is not configured")
	}

	// Mapped but not exempt.
	p3 := &Policy{Registry: reg}
	if p3.AllowSend("send_email", "telegram") {
		t.Error("non-exempt cross-channel send should be blocked")
	}

	// Same channel as mapping is always fine.
	if !p3.AllowSend("send_email", "email") {
		t.Error("send on the mapped channel itself should be allowed")
	}
}
