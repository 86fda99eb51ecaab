package wsman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Exchanger sends a single SOAP request envelope and returns the response
// envelope body. Implementations live in the transport package, which owns
// the HTTP client, authentication, and retry policy; Session only ever deals
// in envelope bytes.
type Exchanger interface {
	Exchange(ctx context.Context, requestEnvelope []byte) (responseEnvelope []byte, err error)
}

// Session drives a single WinRM shell through its lifecycle (Create, zero or
// more Command/Send/Receive/Signal exchanges, Delete) against one
// resource URI and selector set. It owns the envelope builder configuration;
// it does not retain the shell's I/O buffers, which belong to the caller.
type Session struct {
	exchanger Exchanger
	log       logr.Logger

	connectionURI    string
	resourceURI      string
	operationTimeout int // seconds
	maxEnvelopeSize  int // KiB, per spec default of 512

	mu      sync.RWMutex
	shellID string
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithResourceURI overrides the default cmd shell resource URI, for callers
// targeting a custom PowerShell endpoint (e.g. a JEA configuration).
func WithResourceURI(uri string) Option {
	return func(s *Session) { s.resourceURI = uri }
}

// WithOperationTimeout sets the WS-Management OperationTimeout, in seconds.
func WithOperationTimeout(seconds int) Option {
	return func(s *Session) { s.operationTimeout = seconds }
}

// WithMaxEnvelopeSize sets MaxEnvelopeSize, in KiB.
func WithMaxEnvelopeSize(kib int) Option {
	return func(s *Session) { s.maxEnvelopeSize = kib }
}

// WithLogger attaches a structured logger used for request/response tracing.
func WithLogger(log logr.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession creates a Session bound to the given connection URI (the full
// WinRM endpoint, e.g. "https://host:5986/wsman") and exchanger.
func NewSession(connectionURI string, exchanger Exchanger, opts ...Option) *Session {
	s := &Session{
		exchanger:        exchanger,
		log:              logr.Discard(),
		connectionURI:    connectionURI,
		resourceURI:      resourceShell,
		operationTimeout: 60,
		maxEnvelopeSize:  512,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShellId returns the shell identifier assigned by Create, or "" if the
// shell has not been created yet.
func (s *Session) ShellId() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shellID
}

func (s *Session) setShellID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shellID = id
}

// roundTrip serializes env, exchanges it, and parses the response into a
// doc tree, surfacing a *Fault if the server returned env:Fault.
func (s *Session) roundTrip(ctx context.Context, env *envelope) (*responseDoc, error) {
	reqBytes, err := env.bytes()
	if err != nil {
		return nil, err
	}
	s.log.V(1).Info("wsman request", "bytes", len(reqBytes))

	respBytes, err := s.exchanger.Exchange(ctx, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("exchange envelope: %w", err)
	}

	resp, err := parseResponse(respBytes)
	if err != nil {
		return nil, fmt.Errorf("parse response envelope: %w", err)
	}
	if fault := resp.fault(); fault != nil {
		s.log.Error(fault, "wsman fault", "code", fault.Code)
		return resp, fault
	}
	return resp, nil
}

// elapsedTimeout returns the remaining operation timeout as a time.Duration,
// for callers (transport) building HTTP client deadlines from it.
func (s *Session) OperationTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.operationTimeout) * time.Second
}
