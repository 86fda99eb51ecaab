package psrp

import (
	"context"
	"fmt"

	"github.com/pwshremote/psrp/config"
	"github.com/pwshremote/psrp/transport"
	"github.com/pwshremote/psrp/transport/auth"
	"github.com/pwshremote/psrp/wsman"
)

// Dial builds the full WS-Management stack from cfg - an Authenticator, an
// HTTPTransport, a wsman.Session, and the ShellStream adapter that lets
// runspace.Pool drive it as a plain io.ReadWriter - and returns a ready
// Client. This is the one place config, transport, transport/auth, and
// wsman are composed together; everything else in this package only ever
// sees the resulting io.ReadWriter.
func Dial(ctx context.Context, cfg *config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	scheme := "https"
	if cfg.Destination.Transport == config.TransportTCP {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s:%d/wsman", scheme, cfg.Destination.Host, cfg.Destination.Port)

	ht := transport.New(endpoint, authenticator)
	session := wsman.NewSession(endpoint, ht,
		wsman.WithOperationTimeout(cfg.OperationTimeoutMS/1000),
		wsman.WithMaxEnvelopeSize(cfg.MaxEnvelopeKiB),
	)
	stream := wsman.NewShellStream(ctx, session)

	return NewClient(stream), nil
}

func buildAuthenticator(cfg *config.Config) (transport.Authenticator, error) {
	switch {
	case cfg.Auth.Basic != nil:
		return &auth.Basic{
			Username: cfg.Auth.Basic.Username,
			Password: cfg.Auth.Basic.Password,
		}, nil
	case cfg.Auth.Negotiate != nil:
		return &auth.NTLM{
			Username: cfg.Auth.Negotiate.Username,
			Password: cfg.Auth.Negotiate.Password,
			Domain:   cfg.Auth.Negotiate.Domain,
		}, nil
	case cfg.Auth.Kerberos != nil:
		return &auth.Kerberos{
			Username:    cfg.Auth.Kerberos.Username,
			Password:    cfg.Auth.Kerberos.Password,
			Realm:       cfg.Auth.Kerberos.Realm,
			SPN:         cfg.Auth.Kerberos.SPN,
			KDCProxyURL: cfg.Auth.Kerberos.KDCProxyURL,
		}, nil
	default:
		return nil, fmt.Errorf("config: no auth scheme configured")
	}
}
