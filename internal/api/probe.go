package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"fieldsync/internal/model"
)

// minOpaqueTimeout is the floor for the TCP fallback probe.
const minOpaqueTimeout = time.Second

// Probe requests the endpoint's health route within timeout. Any 2xx answer
// marks the endpoint available. When the request fails at the transport level
// and unverified probes are allowed, a bare TCP connect to the endpoint's host
// counts as availability with Unverified set.
func (c *Client) Probe(ctx context.Context, ep model.Endpoint, timeout time.Duration) model.ProbeResult {
	res := model.ProbeResult{Endpoint: ep}
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, ep.URL+PathHealth, nil)
	if err != nil {
		res.Err = fmt.Sprintf("building request: %v", err)
		return res
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		res.StatusCode = resp.StatusCode
		res.ResponseTime = time.Since(start)
		res.Available = resp.StatusCode >= 200 && resp.StatusCode <= 299
		if !res.Available {
			res.Err = fmt.Sprintf("health returned %d", resp.StatusCode)
		}
		return res
	}

	res.Err = err.Error()
	if !c.allowUnverified || ctx.Err() != nil {
		return res
	}

	if c.dialOpaque(ctx, ep.URL, max(minOpaqueTimeout, timeout/2)) {
		res.Available = true
		res.Unverified = true
		res.ResponseTime = time.Since(start)
		c.logger.Debug("endpoint reachable but unverified", "endpoint", ep.Name, "error", res.Err)
	}
	return res
}

func (c *Client) dialOpaque(ctx context.Context, rawURL string, timeout time.Duration) bool {
	addr, err := hostPort(rawURL)
	if err != nil {
		return false
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
