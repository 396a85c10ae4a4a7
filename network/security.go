package network

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"adaptivechain/config"
)

// BuildServerSecurity constructs the TLS configuration and authenticators for
// the relay HTTP server. When AllowUnauthenticatedReads is set the returned
// read authenticator is nil and callers must opt in through
// WithAllowUnauthenticatedReads.
func BuildServerSecurity(sec *config.NetworkSecurity, baseDir string, lookup func(string) (string, bool)) (*tls.Config, Authenticator, Authenticator, error) {
	if sec == nil {
		return nil, nil, nil, fmt.Errorf("network security configuration is missing")
	}

	secret, err := sec.ResolveSharedSecret(baseDir, lookup)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve shared secret: %w", err)
	}

	var auths []Authenticator
	if secret != "" {
		auths = append(auths, NewTokenAuthenticator(sec.AuthorizationHeaderName(), secret))
	}

	certPath := config.ResolvePath(baseDir, sec.ServerTLSCertFile)
	keyPath := config.ResolvePath(baseDir, sec.ServerTLSKeyFile)

	var tlsConfig *tls.Config
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, nil, nil, fmt.Errorf("network security requires both ServerTLSCertFile and ServerTLSKeyFile when enabling TLS")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load network TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	if caPath := config.ResolvePath(baseDir, sec.ClientCAFile); caPath != "" {
		if tlsConfig == nil {
			return nil, nil, nil, fmt.Errorf("ClientCAFile requires ServerTLSCertFile and ServerTLSKeyFile to be configured")
		}
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, nil, nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		auths = append(auths, NewTLSAuthorizer(sec.AllowedClientCommonNames))
	}

	if len(auths) == 0 {
		return nil, nil, nil, fmt.Errorf("network security requires a shared secret or client certificate authentication")
	}
	if tlsConfig == nil && !sec.AllowInsecure {
		return nil, nil, nil, fmt.Errorf("network security configuration is missing TLS material; set AllowInsecure=true only for development")
	}

	writeAuth := ChainAuthenticators(auths...)
	readAuth := writeAuth
	if sec.AllowUnauthenticatedReads {
		readAuth = nil
	}
	return tlsConfig, writeAuth, readAuth, nil
}

// BuildClientOptions returns the options a consensus node needs to reach a
// relay secured by the same configuration.
func BuildClientOptions(sec *config.NetworkSecurity, baseDir string, lookup func(string) (string, bool)) ([]ClientOption, error) {
	if sec == nil {
		return nil, fmt.Errorf("network security configuration is missing")
	}
	secret, err := sec.ResolveSharedSecret(baseDir, lookup)
	if err != nil {
		return nil, fmt.Errorf("resolve shared secret: %w", err)
	}
	opts := []ClientOption{WithHeader(StaticTokenHeader(sec.AuthorizationHeaderName(), secret))}

	caPath := config.ResolvePath(baseDir, sec.ServerCAFile)
	certPath := config.ResolvePath(baseDir, sec.ClientTLSCertFile)
	keyPath := config.ResolvePath(baseDir, sec.ClientTLSKeyFile)
	if caPath == "" && certPath == "" && keyPath == "" && sec.ServerName == "" {
		return opts, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: sec.ServerName}
	if caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("network security requires both ClientTLSCertFile and ClientTLSKeyFile")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return append(opts, WithHTTPClient(&http.Client{Transport: transport})), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificates from %s", path)
	}
	return pool, nil
}
