package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MS-WSMV's multipart/encrypted framing wraps a sealed SOAP envelope in a
// two-part multipart body: a small header part naming the cleartext
// length, and a binary part holding the sealed bytes. It lets NTLM/Kerberos
// provide confidentiality over plain HTTP without TLS.
const (
	encryptedBoundary    = "Encrypted Boundary"
	encryptedProtoNTLM   = `application/HTTP-SPNEGO-session-encrypted`
	encryptedContentType = `multipart/encrypted;protocol="` + encryptedProtoNTLM + `";boundary="` + encryptedBoundary + `"`
)

// wrapEncrypted builds the multipart/encrypted request body for a sealed
// envelope, returning the body bytes and the Content-Type header to send.
func wrapEncrypted(sealed []byte, originalLen int) ([]byte, string) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--%s\r\n", encryptedBoundary)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", encryptedProtoNTLM)
	fmt.Fprintf(&buf, "OriginalContent: type=%s;Length=%d\r\n\r\n", contentTypeSOAP, originalLen)

	fmt.Fprintf(&buf, "--%s\r\n", encryptedBoundary)
	buf.WriteString("Content-Type: application/octet-stream\r\n\r\n")
	buf.Write(sealed)
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", encryptedBoundary)

	return buf.Bytes(), encryptedContentType
}

// isEncryptedContentType reports whether a response's Content-Type header
// indicates multipart/encrypted framing.
func isEncryptedContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "multipart/encrypted")
}

// unwrapEncrypted extracts and unseals the binary part of a
// multipart/encrypted response body.
func unwrapEncrypted(body []byte, sealer MessageSealer) ([]byte, error) {
	parts := bytes.Split(body, []byte("--"+encryptedBoundary))
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed multipart/encrypted body: %d parts", len(parts))
	}

	// parts[0] is preamble, parts[1] the OriginalContent header part,
	// parts[2] the sealed octet-stream part (header + blank line + data).
	sealedPart := parts[2]
	idx := bytes.Index(sealedPart, []byte("\r\n\r\n"))
	if idx == -1 {
		return nil, fmt.Errorf("malformed sealed part: no header/body separator")
	}
	sealed := bytes.TrimSuffix(sealedPart[idx+4:], []byte("\r\n"))

	return sealer.Unseal(sealed)
}

// parseOriginalLength extracts the Length= value from an
// "OriginalContent: type=...;Length=N" header line, for callers that want
// to validate the unsealed length against what the server announced.
func parseOriginalLength(headerLine string) (int, error) {
	const key = "Length="
	idx := strings.Index(headerLine, key)
	if idx == -1 {
		return 0, fmt.Errorf("no Length= in header %q", headerLine)
	}
	rest := headerLine[idx+len(key):]
	end := strings.IndexAny(rest, ";\r\n")
	if end != -1 {
		rest = rest[:end]
	}
	return strconv.Atoi(strings.TrimSpace(rest))
}
