// Package dns resolves relay hostnames, falling back to public resolvers
// when the system resolver fails. Classroom networks often ship broken DNS.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// PublicServers are queried if a local lookup fails.
var PublicServers = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
	"208.67.220.220",         // Cisco OpenDNS
}

var ErrNoAddress = errors.New("no IP addresses found")

// Resolver looks hosts up locally first and then races the public servers.
type Resolver struct {
	Servers      []string
	LocalTimeout time.Duration
	RaceTimeout  time.Duration

	// lookup is the per-server query; replaced in tests.
	lookup func(ctx context.Context, host, server string) (string, error)
}

// NewResolver returns a Resolver with the default public servers and timeouts.
func NewResolver() *Resolver {
	return &Resolver{
		Servers:      PublicServers,
		LocalTimeout: 1 * time.Second,
		RaceTimeout:  2 * time.Second,
		lookup:       lookupVia,
	}
}

// Lookup resolves host to a single IP, preferring IPv4.
// IP literals and localhost are returned without any query.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if host == "localhost" {
		return "127.0.0.1", nil
	}

	localCtx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	ip, err := r.lookup(localCtx, host, "")
	cancel()
	if err == nil {
		return ip, nil
	}

	return r.race(ctx, host)
}

// DialContext resolves the host part of addr with Lookup and dials it.
// It fits websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

// race queries every public server at once and returns the first answer.
func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, r.RaceTimeout)
	defer cancel()

	results := make(chan result, len(r.Servers))
	for _, server := range r.Servers {
		go func(server string) {
			ip, err := r.lookup(ctx, host, server)
			results <- result{ip: ip, err: err}
		}(server)
	}

	failures := 0
	for range r.Servers {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: public DNS race timed out", host)
		}
	}

	return "", fmt.Errorf("resolve %s: all %d public DNS servers failed", host, failures)
}

// lookupVia queries server directly, or the system resolver when server is
// empty.
func lookupVia(ctx context.Context, host, server string) (string, error) {
	res := &net.Resolver{}
	if server != "" {
		res.PreferGo = true
		res.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(trimBrackets(server), "53"))
		}
	}

	ips, err := res.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	return preferIPv4(ips)
}

func preferIPv4(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", ErrNoAddress
	}
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

func trimBrackets(s string) string {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}
