package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

// NewOutboundSender builds the OutboundSender the candidate loop drives:
// one http.Client tuned with the configured connect/stream timeouts and a
// shared DNS-caching resolver, plus a one-retry-with-a-fresh-client
// behavior on a transport failure (a reused connection from a dead pool
// shouldn't cost the request its only attempt at this candidate).
func NewOutboundSender(resolver *dnscache.Resolver, connectTimeout, streamTimeout time.Duration) gatewaycore.OutboundSender {
	primary := newHTTPClient(resolver, connectTimeout, streamTimeout)
	fresh := newHTTPClient(resolver, connectTimeout, streamTimeout)

	return func(ctx context.Context, spec gatewaycore.AttemptSpec) (*http.Response, error) {
		resp, err := doAttempt(ctx, primary, spec)
		if err == nil {
			return resp, nil
		}
		return doAttempt(ctx, fresh, spec)
	}
}

func newHTTPClient(resolver *dnscache.Resolver, connectTimeout, streamTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: streamTimeout,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
	}
	if resolver != nil {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
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
	} else {
		transport.DialContext = dialer.DialContext
	}
	return &http.Client{
		Transport: transport,
		// No client-level Timeout: a streaming response must stay open past
		// the connect/header phase. The process-wide deadline is enforced
		// by the context the candidate loop derives from
		// UpstreamTotalTimeout.
	}
}

func doAttempt(ctx context.Context, client *http.Client, spec gatewaycore.AttemptSpec) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		return nil, err
	}
	req.Header = spec.Header
	return client.Do(req)
}
