package live_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/attune/pkg/provider/live"
)

type customTransient struct{ transient bool }

func (c customTransient) Error() string   { return "custom" }
func (c customTransient) Transient() bool { return c.transient }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("internal error"), false},
		{"transient", live.Transient("gemini", "send", 1011, errors.New("boom")), true},
		{"fatal", live.Fatal("gemini", "setup", 401, nil), false},
		{"wrapped transient", fmt.Errorf("outer: %w", live.Transient("gemini", "receive", 0, nil)), true},
		{"context cancelled", context.Canceled, false},
		{"custom marker", customTransient{true}, true},
		{"custom marker false", customTransient{false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := live.IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := live.Transient("gemini", "send", 1011, live.ErrClosed)
	msg := err.Error()
	for _, want := range []string{"gemini", "send", "transient", "1011", "connection closed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, live.ErrClosed) {
		t.Error("errors.Is(err, ErrClosed) = false")
	}
	if got := live.Fatal("x", "connect", 0, nil).Error(); strings.Contains(got, "code") {
		t.Errorf("zero code should be omitted: %q", got)
	}
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()

	for k, want := range map[live.EventKind]string{
		live.EventText:         "text",
		live.EventAudio:        "audio",
		live.EventTurnComplete: "turn_complete",
		live.EventKind(0):      "unknown",
	} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}
