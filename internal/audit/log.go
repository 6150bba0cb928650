package audit

import (
	"context"

	"github.com/authrim/authrim/internal/log"
)

// LogSink emits every event as a structured log line through the ambient
// logger, standing in for a real SIEM forwarder in deployments that haven't
// wired one (shipping events further is an external collaborator's job, per
// the package doc).
type LogSink struct {
	Logger log.Logger
}

// NewLogSink returns a Sink that logs events via logger.
func NewLogSink(logger log.Logger) LogSink {
	return LogSink{Logger: logger}
}

func (s LogSink) Emit(_ context.Context, ev Event) error {
	fields := map[string]any{
		"audit_kind":     string(ev.Kind),
		"audit_severity": string(ev.Severity),
		"actor":          ev.Actor,
		"target":         ev.Target,
		"at":             ev.At,
		"detail":         ev.Detail,
	}
	switch ev.Severity {
	case SeverityCritical:
		s.Logger.Errorf("audit: %v", fields)
	case SeverityWarning:
		s.Logger.Warnf("audit: %v", fields)
	default:
		s.Logger.Infof("audit: %v", fields)
	}
	return nil
}
