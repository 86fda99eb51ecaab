package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
)

const contentTypeSOAP = `application/soap+xml;charset=UTF-8`

// HTTPTransport exchanges WS-Management SOAP envelopes with a WinRM
// endpoint over HTTP(S), implementing wsman.Exchanger.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	auth     Authenticator
	log      logr.Logger

	insecure   bool // true if endpoint is plain http (no TLS confidentiality)
	maxRetries uint64
	retryWait  time.Duration
}

// Option configures an HTTPTransport at construction time.
type Option func(*HTTPTransport)

// WithLogger attaches a structured logger.
func WithLogger(log logr.Logger) Option {
	return func(t *HTTPTransport) { t.log = log }
}

// WithMaxRetries bounds the number of transient-failure retries per
// exchange (connection reset, 5xx). Defaults to 3.
func WithMaxRetries(n uint64) Option {
	return func(t *HTTPTransport) { t.maxRetries = n }
}

// WithRetryBaseDelay sets the exponential backoff's base delay. Defaults
// to 200ms.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(t *HTTPTransport) { t.retryWait = d }
}

// New creates an HTTPTransport for endpoint (e.g. "http://host:5985/wsman"
// or "https://host:5986/wsman") authenticated with auth.
//
// The underlying *http.Client is built with cleanhttp.DefaultPooledClient,
// which avoids http.DefaultTransport's shared, mutable, process-global
// state and its reliance on environment proxy variables - the same
// reasoning the ecosystem's WinRM client applies.
func New(endpoint string, auth Authenticator, opts ...Option) *HTTPTransport {
	client := cleanhttp.DefaultPooledClient()
	client.Transport = auth.WrapTransport(client.Transport)

	t := &HTTPTransport{
		client:     client,
		endpoint:   endpoint,
		auth:       auth,
		log:        logr.Discard(),
		insecure:   len(endpoint) >= 7 && endpoint[:7] == "http://",
		maxRetries: 3,
		retryWait:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.warnIfInsecureBasic()
	return t
}

func (t *HTTPTransport) warnIfInsecureBasic() {
	if t.insecure && t.auth.Name() == "basic" {
		t.log.Info("security warning", "warning",
			(&SecurityWarning{Message: "Basic authentication over plain HTTP transmits credentials and WS-Man envelopes in the clear"}).Error())
	}
}

// Exchange posts envelope to the endpoint and returns the response body,
// retrying transient failures with exponential backoff bounded by
// maxRetries. It implements wsman.Exchanger.
func (t *HTTPTransport) Exchange(ctx context.Context, envelope []byte) ([]byte, error) {
	backoff := retry.NewExponential(t.retryWait)
	backoff = retry.WithMaxRetries(t.maxRetries, backoff)

	var respBody []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, retryable, err := t.doOnce(ctx, envelope)
		if err != nil {
			if retryable {
				return retry.RetryableError(err)
			}
			return err
		}
		respBody = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

// doOnce performs a single HTTP round trip, applying the configured
// authenticator's message sealing if the channel itself provides no
// confidentiality.
func (t *HTTPTransport) doOnce(ctx context.Context, envelope []byte) (body []byte, retryable bool, err error) {
	payload := envelope
	contentType := contentTypeSOAP

	if t.insecure {
		if sealer := t.auth.Sealer(); sealer != nil {
			sealed, sealErr := sealer.Seal(envelope)
			if sealErr != nil {
				return nil, false, fmt.Errorf("seal envelope: %w", sealErr)
			}
			payload, contentType = wrapEncrypted(sealed, len(envelope))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	t.log.V(1).Info("wsman exchange", "endpoint", t.endpoint, "bytes", len(payload))
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		// WS-Man faults ride in the body of a 4xx response with a SOAP fault
		// envelope; let the caller's fault parsing surface the real error.
		return raw, false, nil
	}

	if t.insecure {
		if sealer := t.auth.Sealer(); sealer != nil && isEncryptedContentType(resp.Header.Get("Content-Type")) {
			unsealed, unsealErr := unwrapEncrypted(raw, sealer)
			if unsealErr != nil {
				return nil, false, fmt.Errorf("unseal response: %w", unsealErr)
			}
			return unsealed, false, nil
		}
	}

	return raw, false, nil
}
