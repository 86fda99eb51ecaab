package runspace

import (
	"fmt"

	"github.com/go-logr/logr"
)

// logrAdapter satisfies Logger by forwarding to an injected logr.Logger,
// letting Pool accept the ecosystem's structured-logging interface
// (spec.md §4/§9: "Logging uses an injected sink") while keeping the
// existing Printf-style Logger as the one thing the dispatch loop depends
// on internally.
type logrAdapter struct {
	log logr.Logger
}

func (a logrAdapter) Printf(format string, v ...interface{}) {
	a.log.V(1).Info("psrp", "message", fmt.Sprintf(format, v...))
}

// SetLogrLogger attaches a structured logr.Logger for debug logging, the
// same injection point wsman.Session and transport.HTTPTransport use.
// Must be called before Open().
func (p *Pool) SetLogrLogger(log logr.Logger) error {
	return p.SetLogger(logrAdapter{log: log})
}
