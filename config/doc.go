// Package config defines the connection configuration consumed by
// connect(): destination, authentication, locale, and resource limits. It
// is the concrete type behind the wider ambient configuration layer,
// loaded from YAML with environment-variable overrides and validated with
// struct tags before a Session/HTTPTransport is built from it.
package config
