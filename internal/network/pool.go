// Package network provides per-origin HTTP clients and source probing.
package network

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aoyama86/segpull/pkg/config"
)

// ClientPool hands out one HTTP client per origin host so segments hitting
// the same mirror share its connection pool. The pool is injected into the
// engine rather than shared process-wide, so embedders can run isolated
// engines with different timeout settings.
type ClientPool struct {
	mu       sync.RWMutex
	clients  map[string]*http.Client
	timeouts config.TimeoutConfig
	maxConns int
}

// NewClientPool creates a pool using the given timeouts. maxConnsPerHost
// bounds parallel connections per origin; segments above the bound queue on
// the transport.
func NewClientPool(timeouts config.TimeoutConfig, maxConnsPerHost int) *ClientPool {
	return &ClientPool{
		clients:  make(map[string]*http.Client),
		timeouts: timeouts,
		maxConns: maxConnsPerHost,
	}
}

// ClientFor returns the client for the URL's host, creating it on first use.
func (p *ClientPool) ClientFor(rawURL string) *http.Client {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	p.mu.RLock()
	client, ok := p.clients[host]
	p.mu.RUnlock()
	if ok {
		return client
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok = p.clients[host]; ok {
		return client
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.timeouts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          p.maxConns,
		MaxIdleConnsPerHost:   p.maxConns,
		MaxConnsPerHost:       p.maxConns,
		IdleConnTimeout:       p.timeouts.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		// Transparent gzip would desynchronize byte offsets from the
		// Content-Range arithmetic, so range requests always ask for the
		// identity encoding.
		DisableCompression: true,
	}

	client = &http.Client{
		Transport: transport,
		// Request timeout is per-segment and enforced via context; the
		// client-level timeout only bounds pathological hangs.
		Timeout: p.timeouts.RequestTimeout,
	}

	p.clients[host] = client
	return client
}

// Close drops idle connections for every pooled client.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, client := range p.clients {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	p.clients = make(map[string]*http.Client)
}

// Hosts returns the origins the pool currently serves.
func (p *ClientPool) Hosts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	hosts := make([]string, 0, len(p.clients))
	for host := range p.clients {
		hosts = append(hosts, host)
	}
	return hosts
}
