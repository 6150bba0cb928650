package log

import "github.com/sirupsen/logrus"

// LogrusLogger is the default Logger adapter, backed by logrus with JSON
// formatting so events are easy to ship to an external log pipeline.
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger returns a new Logger wrapping logger.
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

// NewDefault returns a LogrusLogger configured with JSON output at info
// level, Authrim's default for production deployments.
func NewDefault() *LogrusLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return NewLogrusLogger(l)
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.logger.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.logger.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.logger.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.logger.Error(args...) }

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }
