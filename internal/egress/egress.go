// Package egress builds the outbound HTTP client shared by image fetches
// and the remote session backend.
package egress

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

type Options struct {
	// ProxyType is "http" (CONNECT) or "socks5". Empty means direct.
	ProxyType string
	ProxyURL  string

	DialTimeout         time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int
}

type Dialer struct {
	opts   Options
	dialer proxy.ContextDialer
}

// New returns a direct dialer when ProxyType or ProxyURL is empty, otherwise
// one that tunnels every connection through the configured proxy.
func New(opts Options) (*Dialer, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	direct := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}

	if opts.ProxyType == "" || opts.ProxyURL == "" {
		opts.ProxyType, opts.ProxyURL = "", ""
		return &Dialer{opts: opts, dialer: direct}, nil
	}

	proxyURL, err := url.Parse(opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s proxy URL: %w", opts.ProxyType, err)
	}
	if proxyURL.Host == "" {
		return nil, fmt.Errorf("invalid %s proxy URL: missing host", opts.ProxyType)
	}

	switch opts.ProxyType {
	case "socks5":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		d, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		return &Dialer{opts: opts, dialer: cd}, nil

	case "http":
		return &Dialer{opts: opts, dialer: &connectDialer{proxyURL: proxyURL, direct: direct}}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", opts.ProxyType)
	}
}

// NewDialer is New with default timeouts.
func NewDialer(proxyType, proxyURL string) (*Dialer, error) {
	return New(Options{ProxyType: proxyType, ProxyURL: proxyURL})
}

// Transport clones http.DefaultTransport and routes its connections through
// the dialer. Environment proxy variables are ignored when a proxy is
// configured here.
func (d *Dialer) Transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = d.dialer.DialContext
	if d.opts.ProxyType != "" {
		t.Proxy = nil
		t.ForceAttemptHTTP2 = false
	}
	if d.opts.IdleConnTimeout > 0 {
		t.IdleConnTimeout = d.opts.IdleConnTimeout
	}
	if d.opts.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = d.opts.MaxIdleConnsPerHost
	}
	return t
}

// Client returns an http.Client over Transport. A zero timeout means none.
func (d *Dialer) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: d.Transport(),
		Timeout:   timeout,
	}
}

// connectDialer opens a tunnel with an HTTP CONNECT request.
type connectDialer struct {
	proxyURL *url.URL
	direct   *net.Dialer
}

func (h *connectDialer) Dial(network, addr string) (net.Conn, error) {
	return h.DialContext(context.Background(), network, addr)
}

func (h *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := h.direct.DialContext(ctx, "tcp", h.proxyURL.Host)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if h.proxyURL.User != nil {
		password, _ := h.proxyURL.User.Password()
		req.SetBasicAuth(h.proxyURL.User.Username(), password)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s failed: %s", addr, h.proxyURL.Host, resp.Status)
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: unexpected data after response", addr, h.proxyURL.Host)
	}

	return conn, nil
}
