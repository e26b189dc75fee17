package whatsapp

import (
	"github.com/labstack/gommon/log"
	waLog "go.mau.fi/whatsmeow/util/log"
)

type logger struct {
	l      *log.Logger
	module string
}

// Logger routes whatsmeow's logging through l.
func Logger(l *log.Logger, module string) waLog.Logger {
	return &logger{l: l, module: module}
}

func (w *logger) Warnf(msg string, args ...interface{}) {
	w.l.Warnf("["+w.module+"] "+msg, args...)
}

func (w *logger) Errorf(msg string, args ...interface{}) {
	w.l.Errorf("["+w.module+"] "+msg, args...)
}

func (w *logger) Infof(msg string, args ...interface{}) {
	w.l.Infof("["+w.module+"] "+msg, args...)
}

func (w *logger) Debugf(msg string, args ...interface{}) {
	w.l.Debugf("["+w.module+"] "+msg, args...)
}

func (w *logger) Sub(module string) waLog.Logger {
	return &logger{l: w.l, module: w.module + "/" + module}
}
