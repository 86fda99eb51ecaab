// Package auth provides the transport.Authenticator implementations for
// WinRM's three supported schemes: Basic, NTLM, and Kerberos/Negotiate.
package auth

import (
	"net/http"

	"github.com/pwshremote/psrp/transport"
)

// Basic implements RFC 7617 HTTP Basic authentication. It has no message
// sealing of its own - transport.HTTPTransport surfaces a SecurityWarning
// when Basic is selected over plain HTTP, since credentials and envelope
// bodies would otherwise travel unencrypted.
type Basic struct {
	Username string
	Password string
}

func (b *Basic) Name() string { return "basic" }

func (b *Basic) WrapTransport(rt http.RoundTripper) http.RoundTripper {
	return &basicRoundTripper{next: rt, username: b.Username, password: b.Password}
}

// Sealer returns nil: Basic auth provides no message-level encryption.
func (b *Basic) Sealer() transport.MessageSealer {
	return nil
}

type basicRoundTripper struct {
	next     http.RoundTripper
	username string
	password string
}

func (rt *basicRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(rt.username, rt.password)
	return rt.next.RoundTrip(req)
}
