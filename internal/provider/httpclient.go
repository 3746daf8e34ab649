package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// defaultVendorTimeout bounds every outbound vendor call unless the caller
// overrides it.
const defaultVendorTimeout = 30 * time.Second

// NewVendorHTTPClient builds the HTTP client providers share for vendor API
// traffic: DNS lookups go through a caching resolver so high-frequency pull
// loops don't hammer the resolver, and every request carries a total timeout.
func NewVendorHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultVendorTimeout
	}

	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if dialErr == nil {
					return conn, nil
				}
				lastErr = dialErr
			}
			return nil, lastErr
		},
	}

	return &http.Client{Transport: transport, Timeout: timeout}
}

// maxVendorRetries bounds the exponential backoff on transient vendor
// failures (5xx, timeouts). 4xx responses are never retried.
const maxVendorRetries = 3

// DoWithRetry issues req via client, retrying transient failures with
// exponential backoff. The caller owns the response body on success. A 4xx
// response is returned as-is for the caller to classify (auth failure vs
// validation); 5xx and transport errors are retried up to maxVendorRetries.
func DoWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxVendorRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Str("url", req.URL.Redacted()).Msg("provider: vendor request failed, backing off")
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("provider: vendor returned %d", resp.StatusCode)
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Str("url", req.URL.Redacted()).Msg("provider: vendor 5xx, backing off")
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("provider: vendor request exhausted retries: %w", lastErr)
}
