package config

// TransportKind selects the wire transport for the destination endpoint.
type TransportKind string

const (
	TransportTCP TransportKind = "Tcp"
	TransportTLS TransportKind = "Tls"
)

// Destination identifies the remote WinRM endpoint.
type Destination struct {
	Host      string        `yaml:"host" validate:"required"`
	Port      int           `yaml:"port" validate:"required,min=1,max=65535"`
	Transport TransportKind `yaml:"transport" validate:"required,oneof=Tcp Tls"`
}

// BasicAuth configures RFC 7617 Basic authentication.
type BasicAuth struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
}

// NegotiateAuth configures NTLM (WinRM's "Negotiate" transport auth).
type NegotiateAuth struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Domain   string `yaml:"domain"`
}

// KerberosAuth configures Kerberos/SPNEGO authentication.
type KerberosAuth struct {
	Username    string `yaml:"username" validate:"required"`
	Password    string `yaml:"password"`
	Realm       string `yaml:"realm" validate:"required"`
	SPN         string `yaml:"spn"`
	KDCProxyURL string `yaml:"kdc_proxy_url,omitempty"`
}

// Auth holds exactly one of Basic, Negotiate, or Kerberos; Validate
// rejects a Config with zero or more than one set.
type Auth struct {
	Basic     *BasicAuth     `yaml:"basic,omitempty"`
	Negotiate *NegotiateAuth `yaml:"negotiate,omitempty"`
	Kerberos  *KerberosAuth  `yaml:"kerberos,omitempty"`
}

// RunspaceRange bounds a runspace pool's size at creation time.
type RunspaceRange struct {
	Min int `yaml:"min" validate:"min=1"`
	Max int `yaml:"max" validate:"min=1,gtefield=Min"`
}

// Config is the full connection configuration for connect(): destination,
// auth, locale, and resource limits. The zero value is not valid; use
// Default() or Load() to get one with the spec's defaults applied.
type Config struct {
	Destination        Destination   `yaml:"destination" validate:"required"`
	Auth               Auth          `yaml:"auth" validate:"required"`
	Locale             string        `yaml:"locale" validate:"required,bcp47_language_tag"`
	DataLocale         string        `yaml:"data_locale" validate:"required,bcp47_language_tag"`
	ClientComputerName string        `yaml:"client_computer_name"`
	MaxEnvelopeKiB     int           `yaml:"max_envelope_kib" validate:"min=1"`
	OperationTimeoutMS int           `yaml:"operation_timeout_ms" validate:"gt=0"`
	InitialRunspaces   RunspaceRange `yaml:"initial_runspaces"`
	ForceInsecure      bool          `yaml:"force_insecure"`
}

// Default returns a Config with every spec-mandated default applied but no
// destination or auth - callers must still set those before Validate.
func Default() *Config {
	return &Config{
		Locale:             "en-US",
		DataLocale:         "en-US",
		MaxEnvelopeKiB:     512,
		OperationTimeoutMS: 60000,
		InitialRunspaces:   RunspaceRange{Min: 1, Max: 1},
		ForceInsecure:      false,
	}
}
