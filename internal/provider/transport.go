// Package provider implements the registry and shared plumbing for upstream
// model provider adapters.
//
// This file provides the tuned HTTP client shared by all adapters and the
// idle-read watchdog applied to streaming response bodies.
package provider

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

const (
	// ConnectTimeout bounds dialing an upstream before the first byte.
	ConnectTimeout = 10 * time.Second
	// IdleReadTimeout bounds the gap between stream reads; a stalled
	// upstream is cut rather than holding the client open forever.
	IdleReadTimeout = 60 * time.Second
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. All upstreams are remote HTTPS APIs, so HTTP/2 is
// always attempted.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	t := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: ConnectTimeout,
		DialContext:           dialer.DialContext,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient returns the shared upstream client. No overall timeout:
// streams are long-lived and bounded by the idle-read watchdog instead.
func NewHTTPClient(resolver *dnscache.Resolver) *http.Client {
	return &http.Client{Transport: NewTransport(resolver)}
}

// idleBody closes the underlying body when no read completes within the
// timeout, which unblocks any reader parked in Read.
type idleBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
}

// NewIdleBody wraps a streaming response body with an idle-read watchdog.
func NewIdleBody(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	b := &idleBody{rc: rc, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() { rc.Close() })
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == nil {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}
