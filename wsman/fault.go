package wsman

import "fmt"

// Well-known WSManFault codes (MS-WSMV 2.2.4.41), surfaced as typed
// sentinels so callers can distinguish terminal conditions (shell vanished,
// operation timed out) from generic failures without string matching.
const (
	// FaultCodeShellNotFound means the shell the client referenced no longer
	// exists on the server (timed out, or the server restarted). It is
	// terminal: the client must not retry Command/Send/Receive/Signal
	// against this ShellId and should report the pool/pipeline as broken.
	FaultCodeShellNotFound uint32 = 0x803381C6
	// FaultCodeOperationTimeout means the server-side operation timeout
	// elapsed waiting for output; the client should re-issue Receive.
	FaultCodeOperationTimeout uint32 = 0x80338029
	// FaultCodeCommandIDNotFound means the command ID is unknown to the shell.
	FaultCodeCommandIDNotFound uint32 = 0x80338024
)

// Fault represents a SOAP/WS-Management fault returned in place of a normal
// response body.
type Fault struct {
	Code      string // SOAP fault code, e.g. "env:Sender"
	Subcode   string // SOAP fault subcode, e.g. "w:QuotaLimit"
	Reason    string // Human-readable env:Reason/env:Text
	Message   string // WSManFault/Message, if the server included one
	WSManCode uint32 // Parsed wsf:WSManFault/@Code, 0 if absent/unparsable
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("wsman fault %s (wsman code 0x%X): %s", f.Code, f.WSManCode, f.Message)
	}
	return fmt.Sprintf("wsman fault %s: %s", f.Code, f.Reason)
}

// Terminal reports whether the fault indicates the shell can no longer be
// used and the caller should tear down rather than retry.
func (f *Fault) Terminal() bool {
	return f.WSManCode == FaultCodeShellNotFound
}

// Retryable reports whether re-issuing the same request is reasonable.
func (f *Fault) Retryable() bool {
	return f.WSManCode == FaultCodeOperationTimeout
}
