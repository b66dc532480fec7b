package resilience

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

// backendGroup returns a group of three named backends sharing cfg.
func backendGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("deepgram", "deepgram", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("whisper", "whisper")
	fg.AddFallback("openai", "openai")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failing  []string
		wantFrom string
		wantAsk  []string
	}{
		{"primary answers", nil, "deepgram", []string{"deepgram"}},
		{"second answers", []string{"deepgram"}, "whisper", []string{"deepgram", "whisper"}},
		{"last answers", []string{"deepgram", "whisper"}, "openai", []string{"deepgram", "whisper", "openai"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := backendGroup(CircuitBreakerConfig{MaxFailures: 3})

			var asked []string
			got, err := ExecuteWithResult(fg, func(b string) (string, error) {
				asked = append(asked, b)
				if slices.Contains(tt.failing, b) {
					return "", errDown
				}
				return "text from " + b, nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != "text from "+tt.wantFrom {
				t.Errorf("result = %q, want from %s", got, tt.wantFrom)
			}
			if !slices.Equal(asked, tt.wantAsk) {
				t.Errorf("asked = %v, want %v", asked, tt.wantAsk)
			}
		})
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := backendGroup(CircuitBreakerConfig{})
	last := errors.New("openai quota")

	err := fg.Execute(func(b string) error {
		if b == "openai" {
			return last
		}
		return errDown
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, last) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last backend error", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := backendGroup(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	primaryDown := func(b string) error {
		if b == "deepgram" {
			return errDown
		}
		return nil
	}
	_ = fg.Execute(primaryDown)
	_ = fg.Execute(primaryDown)

	var asked []string
	if err := fg.Execute(func(b string) error { asked = append(asked, b); return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(asked, []string{"whisper"}) {
		t.Errorf("asked = %v, want only whisper", asked)
	}
}

func TestFallbackGroup_UncountedErrorStopsFailover(t *testing.T) {
	t.Parallel()

	noWords := errors.New("no words")
	fg := backendGroup(CircuitBreakerConfig{
		IsFailure: func(err error) bool { return !errors.Is(err, noWords) },
	})

	var asked []string
	_, err := ExecuteWithResult(fg, func(b string) (int, error) {
		asked = append(asked, b)
		return 0, noWords
	})
	if !errors.Is(err, noWords) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want the uncounted error as is", err)
	}
	if len(asked) != 1 {
		t.Errorf("asked = %v, want only the primary", asked)
	}
}

func TestFallbackGroup_StatusAndHealthy(t *testing.T) {
	t.Parallel()

	fg := backendGroup(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	if got := fg.Names(); !slices.Equal(got, []string{"deepgram", "whisper", "openai"}) {
		t.Fatalf("Names = %v", got)
	}
	if err := fg.Healthy(); err != nil {
		t.Fatalf("Healthy on a fresh group: %v", err)
	}

	// Only the primary fails: its breaker opens, the group stays usable.
	_ = fg.Execute(func(b string) error {
		if b == "deepgram" {
			return errDown
		}
		return nil
	})
	if err := fg.Healthy(); err != nil {
		t.Fatalf("Healthy with two closed breakers: %v", err)
	}
	if s := fg.Status()[0]; s.Name != "deepgram" || s.State != StateOpen || s.ConsecutiveFailures != 1 {
		t.Errorf("primary snapshot = %+v", s)
	}

	_ = fg.Execute(func(string) error { return errDown })

	status := fg.Status()
	if len(status) != 3 {
		t.Fatalf("Status has %d entries, want 3", len(status))
	}
	for _, s := range status {
		if s.State != StateOpen {
			t.Errorf("%s state = %v, want open", s.Name, s.State)
		}
	}
	err := fg.Healthy()
	if err == nil {
		t.Fatal("Healthy = nil with every breaker open")
	}
	for _, name := range fg.Names() {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Healthy error %q does not name %s", err, name)
		}
	}
}
