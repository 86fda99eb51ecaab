package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// noopAuth is a minimal Authenticator for exercising HTTPTransport without
// a real WinRM server.
type noopAuth struct {
	name   string
	sealer MessageSealer
}

func (a *noopAuth) Name() string                                  { return a.name }
func (a *noopAuth) WrapTransport(rt http.RoundTripper) http.RoundTripper { return rt }
func (a *noopAuth) Sealer() MessageSealer                          { return a.sealer }

func TestHTTPTransport_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	tr := New(srv.URL, &noopAuth{name: "basic"})
	resp, err := tr.Exchange(context.Background(), []byte("<Envelope/>"))
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if string(resp) != "echo:<Envelope/>" {
		t.Errorf("Exchange() = %q", resp)
	}
}

func TestHTTPTransport_RetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := New(srv.URL, &noopAuth{name: "basic"}, WithMaxRetries(5), WithRetryBaseDelay(1))
	resp, err := tr.Exchange(context.Background(), []byte("<Envelope/>"))
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if string(resp) != "ok" {
		t.Errorf("Exchange() = %q", resp)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestHTTPTransport_FaultBodyNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<Fault/>"))
	}))
	defer srv.Close()

	tr := New(srv.URL, &noopAuth{name: "basic"}, WithMaxRetries(2), WithRetryBaseDelay(1))
	_, err := tr.Exchange(context.Background(), []byte("<Envelope/>"))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}
