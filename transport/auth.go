package transport

import "net/http"

// Authenticator decorates an HTTP transport with a specific WinRM auth
// scheme (Basic, NTLM, Kerberos/Negotiate). Implementations live in the
// transport/auth subpackage; HTTPTransport depends only on this interface
// so swapping schemes never touches the exchange/retry logic.
type Authenticator interface {
	// Name identifies the scheme for logging, e.g. "basic", "ntlm", "kerberos".
	Name() string

	// WrapTransport decorates rt with this scheme's handshake/header logic
	// and returns the wrapped RoundTripper the *http.Client should use.
	WrapTransport(rt http.RoundTripper) http.RoundTripper

	// Sealer returns the SSPI message-sealer for this scheme, or nil if the
	// scheme has no message-level encryption (Basic never does; NTLM and
	// Kerberos do once their handshake has completed).
	Sealer() MessageSealer
}

// MessageSealer wraps/unwraps WS-Man envelope bodies for transport over
// plain HTTP using the authenticator's negotiated SSPI security context,
// per MS-WSMV's multipart/encrypted framing. TLS already provides
// confidentiality, so HTTPTransport only invokes this when Insecure.
type MessageSealer interface {
	Seal(data []byte) ([]byte, error)
	Unseal(data []byte) ([]byte, error)
}

// SecurityWarning is surfaced (via the injected logr.Logger, never returned
// as an exchange error) when a transport configuration choice weakens the
// channel's confidentiality - e.g. Basic auth, which carries credentials
// and has no message sealing of its own, selected over plain HTTP.
type SecurityWarning struct {
	Message string
}

func (w *SecurityWarning) Error() string { return w.Message }
