// Package tls provides the certificates of the API listener, loaded from PEM
// files or obtained from Let's Encrypt.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/acme/autocert"
)

// ACMEManager obtains and renews API certificates from Let's Encrypt
type ACMEManager struct {
	manager *autocert.Manager
	cache   autocert.DirCache
	domains []string
}

// NewACMEManager creates a new ACME manager
func NewACMEManager(email string, domains []string, cacheDir string) *ACMEManager {
	cache := autocert.DirCache(cacheDir)
	return &ACMEManager{
		manager: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      email,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      cache,
		},
		cache:   cache,
		domains: domains,
	}
}

// Domains returns the list of configured domains
func (a *ACMEManager) Domains() []string {
	return a.domains
}

// TLSConfig returns the listener configuration. Certificates are fetched on
// the first handshake for a domain and renewed before they expire.
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// ChallengeHandler answers HTTP-01 challenges and redirects every other
// request to HTTPS
func (a *ACMEManager) ChallengeHandler() http.Handler {
	return a.manager.HTTPHandler(nil)
}

// CachedCertificates reads certificates from the cache directory without
// contacting Let's Encrypt. Domains without a cached certificate are skipped.
func (a *ACMEManager) CachedCertificates(ctx context.Context) ([]CertificateInfo, error) {
	var results []CertificateInfo
	for _, domain := range a.domains {
		data, err := a.cache.Get(ctx, domain)
		if errors.Is(err, autocert.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return results, fmt.Errorf("failed to read cached certificate for %s: %w", domain, err)
		}

		// autocert stores the key and the chain in one PEM bundle
		info, err := parsePEM(data)
		if err != nil {
			return results, fmt.Errorf("failed to parse cached certificate for %s: %w", domain, err)
		}
		info.Domain = domain
		results = append(results, *info)
	}
	return results, nil
}
