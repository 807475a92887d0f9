package websocket

import "github.com/yanun0323/logs"

// Logger is the logging surface used by the client.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Debugf(format string, args ...any) { logs.Debugf(format, args...) }
func (defaultLogger) Infof(format string, args ...any)  { logs.Infof(format, args...) }
func (defaultLogger) Warnf(format string, args ...any)  { logs.Warnf(format, args...) }
func (defaultLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}
