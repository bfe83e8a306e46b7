package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatchingSurvivesWrapping(t *testing.T) {
	err := ErrInvalidEvent.WrapMsg("message requires groupId", "type", "message:send")
	if !errors.Is(err, ErrInvalidEvent) {
		t.Error("wrapped error should match its sentinel")
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Error("wrapped error must not match a different sentinel")
	}

	// fmt wrapping on top keeps the chain intact.
	outer := fmt.Errorf("dispatch: %w", err)
	if !errors.Is(outer, ErrInvalidEvent) {
		t.Error("fmt-wrapped error should still match")
	}
	if CodeOf(outer) != CodeInvalidEvent {
		t.Errorf("expected code %d, got %d", CodeInvalidEvent, CodeOf(outer))
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != 0 {
		t.Errorf("foreign error should carry no code, got %d", got)
	}
	if got := CodeOf(nil); got != 0 {
		t.Errorf("nil should carry no code, got %d", got)
	}
}

func TestErrorStringFormat(t *testing.T) {
	e := ErrBrokerDown.WithDetail("redis: connection refused")
	want := "broker unavailable [1201]: redis: connection refused"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}

	bare := ErrTransport
	if bare.Error() != "transport error [1401]" {
		t.Errorf("got %q", bare.Error())
	}
}

func TestWithDetailAccumulates(t *testing.T) {
	e := ErrConfiguration.WithDetail("first").WithDetail("second")
	if e.Detail != "first, second" {
		t.Errorf("got %q", e.Detail)
	}
	if !errors.Is(e, ErrConfiguration) {
		t.Error("detailed error should still match its sentinel")
	}
}
