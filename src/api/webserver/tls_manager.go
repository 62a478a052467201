package webserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const tlsWatchInterval = 5 * time.Minute

// TLSReloader serves the certificate pair on disk and picks up renewals.
type TLSReloader struct {
	certFile    string
	keyFile     string
	log         *slog.Logger
	mu          sync.RWMutex
	cert        *tls.Certificate
	lastModCert time.Time
	lastModKey  time.Time
}

func NewTLSReloader(certFile, keyFile string, log *slog.Logger) (*TLSReloader, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &TLSReloader{certFile: certFile, keyFile: keyFile, log: log}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TLSReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("webserver: load tls pair: %w", err)
	}
	certInfo, _ := os.Stat(r.certFile)
	keyInfo, _ := os.Stat(r.keyFile)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cert = &cert
	if certInfo != nil {
		r.lastModCert = certInfo.ModTime()
	}
	if keyInfo != nil {
		r.lastModKey = keyInfo.ModTime()
	}
	r.log.Info("webserver: tls certificate loaded", "cert", r.certFile)
	return nil
}

// Watch polls the files every interval until ctx is done.
func (r *TLSReloader) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check()
		}
	}
}

// check reloads the pair if either file is newer than the loaded one.
func (r *TLSReloader) check() {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		r.log.Warn("webserver: stat tls cert", "err", err)
		return
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		r.log.Warn("webserver: stat tls key", "err", err)
		return
	}

	r.mu.RLock()
	changed := certInfo.ModTime().After(r.lastModCert) || keyInfo.ModTime().After(r.lastModKey)
	r.mu.RUnlock()
	if !changed {
		return
	}
	if err := r.reload(); err != nil {
		r.log.Error("webserver: reload tls pair", "err", err)
	}
}

func (r *TLSReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *TLSReloader) GetConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}
}
