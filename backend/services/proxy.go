// ABOUTME: Outbound transport for Yandex Passport with optional proxying
// ABOUTME: Supports plain HTTP(S) proxies and SSH-tunnelled SOCKS5 via a jump host

package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	proxy "github.com/cloudfoundry/socks5-proxy"
)

// NewPassportTransport builds the transport used for every Passport request.
// proxyURL may be empty, http(s)://host:port, or
// ssh+socks5://user@host:port?private-key=/path/to/key.
func NewPassportTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 30 * time.Second,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse YANDEX_PROXY: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "ssh+socks5", "socks5":
		dial, err := createSOCKS5DialContextFunc(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
	default:
		return nil, fmt.Errorf("unsupported YANDEX_PROXY scheme %q (must be http, https, or ssh+socks5)", u.Scheme)
	}
	return transport, nil
}

// ValidateSSHKeyPath rejects traversal sequences and anything that is not a
// readable regular file, returning the cleaned path.
func ValidateSSHKeyPath(path string) (string, error) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("invalid private-key path: %w", err)
	}
	for _, part := range strings.Split(filepath.ToSlash(decoded), "/") {
		if part == ".." {
			return "", errors.New("private-key path must not contain '..'")
		}
	}

	clean := filepath.Clean(decoded)
	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("private-key path: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("private-key path %q is not a regular file", clean)
	}
	return clean, nil
}

// createSOCKS5DialContextFunc creates a dial function tunnelling through an SSH
// jump host. The SSH connection is established lazily on first dial.
func createSOCKS5DialContextFunc(allProxy string) (func(ctx context.Context, network, address string) (net.Conn, error), error) {
	proxyURL, err := url.Parse(strings.TrimPrefix(allProxy, "ssh+"))
	if err != nil {
		return nil, fmt.Errorf("parse YANDEX_PROXY: %w", err)
	}

	username := ""
	if proxyURL.User != nil {
		username = proxyURL.User.Username()
	}

	keyPath := proxyURL.Query().Get("private-key")
	if keyPath == "" {
		return nil, errors.New("YANDEX_PROXY missing required 'private-key' query param")
	}
	keyPath, err = ValidateSSHKeyPath(keyPath)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH private key: %w", err)
	}

	socks5Proxy := proxy.NewSocks5Proxy(proxy.NewHostKey(), log.Default(), time.Minute)

	var (
		dialer proxy.DialFunc
		mut    sync.RWMutex
	)

	return func(ctx context.Context, network, address string) (net.Conn, error) {
		mut.RLock()
		d := dialer
		mut.RUnlock()

		if d != nil {
			return d(network, address)
		}

		mut.Lock()
		defer mut.Unlock()
		if dialer == nil {
			proxyDialer, err := socks5Proxy.Dialer(username, string(key), proxyURL.Host)
			if err != nil {
				return nil, fmt.Errorf("error creating SOCKS5 dialer: %w", err)
			}
			dialer = proxyDialer
		}
		return dialer(network, address)
	}, nil
}
