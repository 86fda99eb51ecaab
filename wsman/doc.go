// Package wsman implements the WS-Management SOAP envelope construction and
// parsing needed to drive a PowerShell remoting shell over WinRM: the six
// shell verbs (Create, Command, Send, Receive, Signal, Delete) described in
// MS-WSMV and consumed by the transport package's HTTP exchanger.
//
// # Architecture
//
// wsman is sans-IO like the rest of this module: Session builds request
// envelopes and parses response envelopes, but never performs network I/O
// itself. The caller (typically transport.HTTPTransport) supplies an
// Exchanger that posts a request envelope and returns the response body.
//
//   - Envelope construction uses github.com/masterzen/simplexml/dom to build
//     the SOAP/WS-Addressing/WS-Management element tree, matching the
//     masterzen/winrm ecosystem's approach to WinRM.
//   - Response parsing uses github.com/ChrisTrenkamp/goxpath to evaluate
//     XPath expressions against the parsed response tree, rather than
//     hand-rolled encoding/xml struct unmarshaling, since WS-Man responses
//     mix namespaces and optional elements that XPath selectors express more
//     directly.
//
// # Reference
//
// WS-Management Protocol Extensions for PowerShell Remoting: MS-WSMV.
package wsman
