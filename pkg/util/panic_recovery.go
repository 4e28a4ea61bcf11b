package util

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler recovers and logs panics of background workers
// (relay sockets, scheduled jobs, keep-alive senders).
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{logger: logger}
}

// Recover must be deferred directly by the guarded function
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.log(component, r)
	}
}

func (ph *PanicHandler) log(component string, r interface{}) {
	var caller string
	if pc, file, line, ok := runtime.Caller(3); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
		} else {
			caller = fmt.Sprintf("%s:%d", file, line)
		}
	}

	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": r,
		"caller":      caller,
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")
}

// Wrap returns fn guarded by Recover
func (ph *PanicHandler) Wrap(component string, fn func()) func() {
	return func() {
		defer ph.Recover(component)
		fn()
	}
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go ph.Wrap(component, fn)()
}
