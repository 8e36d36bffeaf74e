// Package logx is a thin leveled wrapper over the standard logger.
package logx

import (
	"fmt"
	"log"
	"sync/atomic"
)

type Logger struct {
	component string
}

func New(component string) *Logger {
	return &Logger{component: component}
}

var debugOn atomic.Bool

// SetDebug toggles Debugf output process-wide.
func SetDebug(on bool) { debugOn.Store(on) }

func (l *Logger) line(level, msg string) string {
	if l == nil || l.component == "" {
		return fmt.Sprintf("[%s] %s", level, msg)
	}
	return fmt.Sprintf("[%s] [%s] %s", level, l.component, msg)
}

func (l *Logger) Debugf(f string, a ...any) {
	if !debugOn.Load() {
		return
	}
	log.Println(l.line("DEBUG", fmt.Sprintf(f, a...)))
}
func (l *Logger) Infof(f string, a ...any)  { log.Println(l.line("INFO", fmt.Sprintf(f, a...))) }
func (l *Logger) Warnf(f string, a ...any)  { log.Println(l.line("WARN", fmt.Sprintf(f, a...))) }
func (l *Logger) Errorf(f string, a ...any) { log.Println(l.line("ERROR", fmt.Sprintf(f, a...))) }
