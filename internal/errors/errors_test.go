package errors

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBuildDefaults(t *testing.T) {
	ee := New(fmt.Errorf("test error")).Build()

	if ee.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Error())
	}
	if ee.Component != ComponentUnknown {
		t.Errorf("Expected component %q, got %q", ComponentUnknown, ee.Component)
	}
	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic', got '%s'", ee.Category)
	}
	if ee.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestBuildNilError(t *testing.T) {
	ee := New(nil).Component("camera").Build()
	if ee.Err == nil || ee.Error() != "unknown error" {
		t.Errorf("Expected placeholder error, got %v", ee.Err)
	}
}

func TestBuilderContext(t *testing.T) {
	ee := Newf("echo timeout on %s", "front").
		Component("ultrasonic").
		Category(CategoryTransientIO).
		Context("sensor", "front").
		Timing("measure", 25*time.Millisecond).
		Build()

	if ee.Error() != "echo timeout on front" {
		t.Errorf("unexpected message: %s", ee.Error())
	}
	ctx := ee.GetContext()
	if ctx["sensor"] != "front" {
		t.Errorf("Expected sensor context 'front', got %v", ctx["sensor"])
	}
	if ctx["duration_ms"] != int64(25) {
		t.Errorf("Expected duration_ms 25, got %v", ctx["duration_ms"])
	}

	// the returned map is a copy
	ctx["sensor"] = "changed"
	if ee.GetContext()["sensor"] != "front" {
		t.Error("GetContext must return a copy")
	}
}

func TestPriorityNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{PriorityHigh, PriorityHigh},
		{PriorityCritical, PriorityCritical},
		{"urgent", PriorityMedium},
		{"", ""},
	}
	for _, tt := range tests {
		got := New(NewStd("x")).Priority(tt.in).Build().Priority
		if got != tt.want {
			t.Errorf("Priority(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	inner := TransientIO(NewStd("no echo"), "ultrasonic")
	outer := New(fmt.Errorf("range cycle: %w", inner)).Component("pipeline").Build()

	if outer.Category != CategoryTransientIO {
		t.Errorf("Expected inherited category %s, got %s", CategoryTransientIO, outer.Category)
	}
	if !IsTransient(outer) {
		t.Error("Expected wrapped transient error to be transient")
	}
}

func TestIsCategory(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		want     bool
	}{
		{"resource", ResourceUnavailable(NewStd("no camera"), "camera"), CategoryResourceUnavailable, true},
		{"malformed", MalformedInference(NewStd("bad shape"), "detector"), CategoryMalformedInference, true},
		{"wrapped", fmt.Errorf("outer: %w", ValidationError("bad")), CategoryValidation, true},
		{"mismatch", ValidationError("bad"), CategoryNetwork, false},
		{"plain", NewStd("plain"), CategoryGeneric, false},
		{"nil", nil, CategoryGeneric, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCategory(tt.err, tt.category); got != tt.want {
				t.Errorf("IsCategory() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByCategory(t *testing.T) {
	a := TransientIO(NewStd("a"), "x")
	b := TransientIO(NewStd("b"), "y")
	c := MalformedInference(NewStd("c"), "z")

	if !Is(a, b) {
		t.Error("Expected errors of the same category to match")
	}
	if Is(a, c) {
		t.Error("Expected errors of different categories not to match")
	}

	sentinel := NewStd("sentinel")
	wrapped := New(sentinel).Build()
	if !Is(wrapped, sentinel) {
		t.Error("Expected Is to reach the wrapped error")
	}
}

func TestNetworkErrorContext(t *testing.T) {
	ee := NetworkError(NewStd("refused"), "tcp://broker:1883", 5*time.Second)
	ctx := ee.GetContext()
	if ctx["endpoint"] != "tcp://broker:1883" {
		t.Errorf("unexpected endpoint %v", ctx["endpoint"])
	}
	if ctx["timeout_seconds"] != 5.0 {
		t.Errorf("unexpected timeout %v", ctx["timeout_seconds"])
	}
	if !IsTransient(ee) {
		t.Error("network errors are transient")
	}
}

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
}

func (r *recordingReporter) ShouldReport(ee *EnhancedError) bool {
	return ee.Category != CategoryTransientIO
}

func (r *recordingReporter) IsEnabled() bool { return true }

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reported)
}

// Not parallel: swaps the package-level reporter.
func TestTelemetryReporterHook(t *testing.T) {
	rec := &recordingReporter{}
	SetTelemetryReporter(rec)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	_ = TransientIO(NewStd("timeout"), "ultrasonic")
	_ = ResourceUnavailable(NewStd("no device"), "camera")

	if got := rec.count(); got != 1 {
		t.Errorf("Expected 1 reported error, got %d", got)
	}

	SetTelemetryReporter(nil)
	_ = ResourceUnavailable(NewStd("no device"), "camera")
	if got := rec.count(); got != 1 {
		t.Errorf("Expected no reports after disabling, got %d", got)
	}
}

func TestSentryReporterShouldReport(t *testing.T) {
	sr := NewSentryReporter(true)

	tests := []struct {
		category ErrorCategory
		want     bool
	}{
		{CategoryResourceUnavailable, true},
		{CategoryMalformedInference, true},
		{CategorySink, true},
		{CategoryTransientIO, false},
		{CategoryNetwork, false},
		{CategoryCancellation, false},
	}
	for _, tt := range tests {
		ee := &EnhancedError{Err: NewStd("x"), Category: tt.category}
		if got := sr.ShouldReport(ee); got != tt.want {
			t.Errorf("ShouldReport(%s) = %v, want %v", tt.category, got, tt.want)
		}
	}

	reported := &EnhancedError{Err: NewStd("x"), Category: CategorySink}
	reported.MarkReported()
	if sr.ShouldReport(reported) {
		t.Error("already reported errors must be skipped")
	}

	var disabled *SentryReporter
	if disabled.IsEnabled() {
		t.Error("nil reporter must be disabled")
	}
}

func TestScrubMessage(t *testing.T) {
	msg := "upload failed: Post https://user:pw@sidp.firebaseio.com/ultrasonicDB.json?auth=secret123: timeout"
	got := scrubMessage(msg)

	if strings.Contains(got, "secret123") || strings.Contains(got, "pw@") {
		t.Errorf("credentials not scrubbed: %s", got)
	}
	if !strings.Contains(got, "https://sidp.firebaseio.com/ultrasonicDB.json") {
		t.Errorf("host and path should survive scrubbing: %s", got)
	}
	if !strings.HasSuffix(got, "timeout") {
		t.Errorf("trailing text should survive: %s", got)
	}
}
