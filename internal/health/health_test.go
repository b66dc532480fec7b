package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// probe serves path through a registered mux and decodes the report.
func probe(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("%s body %q: %v", path, rec.Body.String(), err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()

	code, rep := probe(t, New(Checker{Name: "session", Check: failWith("disconnected")}), "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK || len(rep.Checks) != 0 {
		t.Errorf("healthz = %d %+v, want 200 ok without checks", code, rep)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     Report
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
			want:     Report{Status: StatusOK},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "session", Check: pass},
				{Name: "journal", Check: pass, Optional: true},
			},
			wantCode: http.StatusOK,
			want: Report{Status: StatusOK, Checks: []CheckResult{
				{Name: "session", Status: StatusOK},
				{Name: "journal", Status: StatusOK, Optional: true},
			}},
		},
		{
			name: "session down",
			checkers: []Checker{
				{Name: "session", Check: failWith("session is reconnecting")},
				{Name: "journal", Check: pass, Optional: true},
			},
			wantCode: http.StatusServiceUnavailable,
			want: Report{Status: StatusFail, Checks: []CheckResult{
				{Name: "session", Status: StatusFail, Error: "session is reconnecting"},
				{Name: "journal", Status: StatusOK, Optional: true},
			}},
		},
		{
			name: "journal down",
			checkers: []Checker{
				{Name: "session", Check: pass},
				{Name: "journal", Check: failWith("connection refused"), Optional: true},
				{Name: "stt", Check: pass, Optional: true},
			},
			wantCode: http.StatusOK,
			want: Report{Status: StatusDegraded, Checks: []CheckResult{
				{Name: "session", Status: StatusOK},
				{Name: "journal", Status: StatusDegraded, Error: "connection refused", Optional: true},
				{Name: "stt", Status: StatusOK, Optional: true},
			}},
		},
		{
			name: "fail outranks degraded",
			checkers: []Checker{
				{Name: "journal", Check: failWith("timeout"), Optional: true},
				{Name: "session", Check: failWith("session is terminated")},
			},
			wantCode: http.StatusServiceUnavailable,
			want: Report{Status: StatusFail, Checks: []CheckResult{
				{Name: "journal", Status: StatusDegraded, Error: "timeout", Optional: true},
				{Name: "session", Status: StatusFail, Error: "session is terminated"},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := probe(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if rep.Status != tt.want.Status {
				t.Errorf("status = %q, want %q", rep.Status, tt.want.Status)
			}
			if len(rep.Checks) != len(tt.want.Checks) {
				t.Fatalf("checks = %+v, want %+v", rep.Checks, tt.want.Checks)
			}
			for i, want := range tt.want.Checks {
				got := rep.Checks[i]
				got.DurationMS = 0
				if got != want {
					t.Errorf("check %d = %+v, want %+v", i, got, want)
				}
			}
		})
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	t.Parallel()

	slow := func(context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	}
	h := New(
		Checker{Name: "session", Check: slow},
		Checker{Name: "journal", Check: slow},
		Checker{Name: "stt", Check: slow},
	)

	start := time.Now()
	rep := h.Evaluate(context.Background())
	if !rep.Ready() {
		t.Errorf("report = %+v, want ready", rep)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("Evaluate took %v, want the checks to overlap", elapsed)
	}
	for _, c := range rep.Checks {
		if c.DurationMS < 100 {
			t.Errorf("%s duration = %dms, want the sleep measured", c.Name, c.DurationMS)
		}
	}
}

func TestEvaluate_CancelledRequest(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "journal-ping", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Evaluate(ctx)
	if rep.Ready() {
		t.Fatalf("report = %+v, want fail", rep)
	}
	if rep.Checks[0].Error != context.Canceled.Error() {
		t.Errorf("error = %q, want %q", rep.Checks[0].Error, context.Canceled)
	}
}
