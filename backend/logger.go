package backend

import (
	"github.com/golang/glog"
)

// Logger is the logging interface used by backends and the monitor.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type glogLogger struct {
	prefix string
}

// NewLogger returns a glog backed Logger, every line starts with "[prefix]".
func NewLogger(prefix string) Logger {
	return &glogLogger{prefix: "[" + prefix + "] "}
}

func (l *glogLogger) Infof(format string, args ...any) {
	glog.InfoDepthf(1, l.prefix+format, args...)
}

func (l *glogLogger) Warnf(format string, args ...any) {
	glog.WarningDepthf(1, l.prefix+format, args...)
}

func (l *glogLogger) Errorf(format string, args ...any) {
	glog.ErrorDepthf(1, l.prefix+format, args...)
}
