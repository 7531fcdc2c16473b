package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Params is an opaque producer configuration in librdkafka key naming
// (bootstrap.servers, acks, client.id, sasl.*, ssl.*). Drivers translate the
// keys they understand.
type Params map[string]string

// Get returns the value for key, or def when unset.
func (p Params) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses key as an integer, falling back to def.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Millis parses key as a millisecond duration, falling back to def.
func (p Params) Millis(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Brokers splits bootstrap.servers.
func (p Params) Brokers() []string {
	var out []string
	for _, b := range strings.Split(p.Get("bootstrap.servers", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a copy that can be modified freely.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ClusterConfig is the typed form of the common connection settings.
type ClusterConfig struct {
	Brokers     []string
	ClientID    string
	Acks        string
	Compression string

	SASLMechanism string
	SASLUser      string
	SASLPassword  string

	TLSCAPath     string
	TLSSkipVerify bool
}

// Params renders the cluster settings as producer params.
func (c ClusterConfig) Params() Params {
	p := Params{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"acks":              c.Acks,
	}
	if p["acks"] == "" {
		p["acks"] = "all"
	}
	if c.ClientID != "" {
		p["client.id"] = c.ClientID
	}
	if c.Compression != "" {
		p["compression.type"] = c.Compression
	}

	if c.SASLMechanism != "" {
		p["security.protocol"] = "SASL_SSL"
		p["sasl.mechanism"] = c.SASLMechanism
		if c.SASLUser != "" {
			p["sasl.username"] = c.SASLUser
		}
		if c.SASLPassword != "" {
			p["sasl.password"] = c.SASLPassword
		}
	}

	if c.TLSCAPath != "" {
		if c.SASLMechanism == "" {
			p["security.protocol"] = "SSL"
		}
		p["ssl.ca.location"] = c.TLSCAPath
	}
	if c.TLSSkipVerify {
		p["ssl.endpoint.identification.algorithm"] = "none"
		if p["security.protocol"] == "" {
			p["security.protocol"] = "SSL"
		}
	}
	return p
}

// usesTLS reports whether security.protocol asks for an encrypted transport.
func (p Params) usesTLS() bool {
	switch strings.ToUpper(p.Get("security.protocol", "PLAINTEXT")) {
	case "SSL", "SASL_SSL":
		return true
	}
	return false
}

// tlsConfig builds a client TLS config from the ssl.* params.
func (p Params) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.Get("ssl.endpoint.identification.algorithm", "https") == "none", //nolint:gosec // operator opt-in
	}

	if ca := p.Get("ssl.ca.location", ""); ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", ca, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", ca)
		}
		cfg.RootCAs = pool
	}

	cert, key := p.Get("ssl.certificate.location", ""), p.Get("ssl.key.location", "")
	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
