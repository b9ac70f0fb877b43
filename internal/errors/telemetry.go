package errors

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter receives enhanced errors from Build.
type TelemetryReporter interface {
	ReportError(ee *EnhancedError)
	ShouldReport(ee *EnhancedError) bool
	IsEnabled() bool
}

// SentryReporter forwards errors that need operator attention to Sentry.
// Transient I/O failures happen every few seconds on a noisy sensor and are
// never sent.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a reporter. The Sentry SDK must already be
// initialized when enabled is true.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

func (sr *SentryReporter) IsEnabled() bool {
	return sr != nil && sr.enabled
}

// ShouldReport accepts missing resources, malformed detector output, bad
// configuration and sink failures.
func (sr *SentryReporter) ShouldReport(ee *EnhancedError) bool {
	if ee == nil || ee.IsReported() {
		return false
	}
	switch ee.Category {
	case CategoryResourceUnavailable,
		CategoryMalformedInference,
		CategoryModelLoad,
		CategoryConfiguration,
		CategorySink:
		return true
	default:
		return false
	}
}

// ReportError sends ee to Sentry with scrubbed context.
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.IsEnabled() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.GetContext() {
			scope.SetContext(key, map[string]any{"value": scrubValue(value)})
		}

		event := sentry.NewEvent()
		event.Level = levelFor(ee)
		event.Message = fmt.Sprintf("%s: %s", ee.Component, scrubMessage(ee.Error()))
		event.Fingerprint = []string{ee.Component, string(ee.Category)}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func levelFor(ee *EnhancedError) sentry.Level {
	switch ee.Priority {
	case PriorityCritical:
		return sentry.LevelFatal
	case PriorityHigh:
		return sentry.LevelError
	case PriorityLow:
		return sentry.LevelInfo
	}
	if ee.Category == CategoryResourceUnavailable {
		return sentry.LevelError
	}
	return sentry.LevelWarning
}

var urlPattern = regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^\s"']+`)

// scrubMessage strips credentials and query strings from URLs in msg.
func scrubMessage(msg string) string {
	return urlPattern.ReplaceAllStringFunc(msg, basicURLScrub)
}

func scrubValue(v any) any {
	if s, ok := v.(string); ok {
		return scrubMessage(s)
	}
	return v
}

func basicURLScrub(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "[url]"
	}
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
}
