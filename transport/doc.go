// Package transport implements the WinRM HTTP exchange that carries
// wsman envelopes to and from a remote PowerShell endpoint: connection
// pooling, authentication, transient-failure retry, and (for NTLM/Kerberos)
// SSPI message-level sealing when the channel itself isn't TLS.
//
// transport.HTTPTransport implements wsman.Exchanger, so a Session only
// ever sees envelope bytes in and envelope bytes out; everything below that
// - which Authenticator is in play, whether responses are multipart/encrypted,
// how many times a transient failure gets retried - is this package's concern.
package transport
