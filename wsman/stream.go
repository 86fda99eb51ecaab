package wsman

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ShellStream adapts a Session's verb-based Create/Send/Receive exchange
// into an io.ReadWriter, the shape runspace.Pool expects of its transport.
// The first Write becomes the shell's CreationXml (PSRP's
// SESSION_CAPABILITY+INIT_RUNSPACEPOOL fragments, exactly as a real WinRM
// client embeds them); every later Write becomes a Send on the shell's
// default input stream, and Read polls Receive until output arrives.
type ShellStream struct {
	session *Session
	ctx     context.Context

	mu        sync.Mutex
	created   bool
	readBuf   []byte
	shellDone bool
}

// NewShellStream wraps session. ctx bounds every Create/Send/Receive/Delete
// call the stream makes; cancel it to unblock a pending Read.
func NewShellStream(ctx context.Context, session *Session) *ShellStream {
	return &ShellStream{session: session, ctx: ctx}
}

// Write sends data to the remote shell, issuing Create on the first call
// and Send on every subsequent one.
func (s *ShellStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.created {
		if err := s.session.Create(s.ctx, p, "stdin", "stdout"); err != nil {
			return 0, fmt.Errorf("shell stream: create: %w", err)
		}
		s.created = true
		return len(p), nil
	}

	if err := s.session.Send(s.ctx, "stdin", "", p, false); err != nil {
		return 0, fmt.Errorf("shell stream: send: %w", err)
	}
	return len(p), nil
}

// Read returns buffered output, polling Receive as needed. It blocks until
// data is available, the shell reports Done with nothing further buffered,
// or ctx is cancelled.
func (s *ShellStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.readBuf) == 0 {
		if s.shellDone {
			return 0, fmt.Errorf("shell stream: closed")
		}
		if err := s.fillLocked(); err != nil {
			return 0, err
		}
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// fillLocked issues one Receive and appends any decoded output to readBuf.
// Caller must hold s.mu.
func (s *ShellStream) fillLocked() error {
	result, err := s.session.Receive(s.ctx, "stdout", "")
	if err != nil {
		if fault, ok := err.(*Fault); ok && fault.Retryable() {
			return nil // server wants another Receive; loop around
		}
		return fmt.Errorf("shell stream: receive: %w", err)
	}

	for _, chunk := range result.Chunks {
		s.readBuf = append(s.readBuf, chunk.Data...)
	}
	if result.State == CommandStateDone {
		s.shellDone = len(s.readBuf) == 0
	}

	if len(result.Chunks) == 0 && result.State != CommandStateDone {
		// Nothing new yet and the shell is still running: avoid a tight
		// poll loop against the server.
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// Close deletes the remote shell.
func (s *ShellStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return nil
	}
	return s.session.Delete(s.ctx)
}
