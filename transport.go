package apishim

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sharebox/apishim/domain"

	utls "github.com/refraction-networking/utls"
)

// StatusHost is answered by the dev proxy itself: http://apishim.status/ reports the
// effective base URL, the backend origin and the journal counters.
const StatusHost = "apishim.status"

// rewriteTransport sends every request through the Rewriter before handing it to base
type rewriteTransport struct {
	rewriter *Rewriter
	base     http.RoundTripper
}

// NewTransport returns a RoundTripper that rewrites requests with rw and delegates to base.
// A nil base means http.DefaultTransport, looked up on every request.
// The caller's request is never modified.
func NewTransport(rw *Rewriter, base http.RoundTripper) http.RoundTripper {
	return &rewriteTransport{
		rewriter: rw,
		base:     base,
	}
}

// RoundTrip satisfies http.RoundTripper
func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.rewriter == nil {
		return base.RoundTrip(req)
	}
	return base.RoundTrip(t.rewriter.RewriteRequest(req))
}

// Client returns a copy of base whose transport rewrites every request, redirects included.
// base is not modified, a nil base is treated as an empty client.
func Client(rw *Rewriter, base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	client.Transport = NewTransport(rw, client.Transport)
	return client
}

// StatusReport is the body served on StatusHost
type StatusReport struct {
	BaseURL       string        `json:"base_url"`
	BackendOrigin string        `json:"backend_origin"`
	Listener      string        `json:"listener,omitempty"`
	Stats         *domain.Stats `json:"stats,omitempty"`
}

// statusRoundTripper answers requests to StatusHost, everything else goes to base
type statusRoundTripper struct {
	shim *Shim
	base http.RoundTripper
}

// newUpstreamTransport builds the transport the dev proxy forwards with.
// TLS uses a Chrome client hello with ALPN pinned to http/1.1.
func newUpstreamTransport(insecure bool) *http.Transport {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
	}
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uTLSConfig := &utls.Config{
			ServerName: sniHost,
		}
		if transport.TLSClientConfig != nil {
			uTLSConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := utls.UClient(tcpConn, uTLSConfig, utls.HelloChrome_Auto)
		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}

		// HelloChrome_Auto ignores NextProtos and offers h2, the ALPN extension
		// has to be rewritten before the handshake.
		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}
		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}
		return uConn, nil
	}
	return transport
}

// RoundTrip satisfies http.RoundTripper
func (s *statusRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host == StatusHost {
		body, err := json.Marshal(s.shim.Status())
		if err != nil {
			return nil, fmt.Errorf("marshalling status : %w", err)
		}
		resp := &http.Response{
			Status:        "200 OK",
			StatusCode:    http.StatusOK,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Request:       req,
			Header:        make(http.Header),
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}
		resp.Header.Set("Content-Type", "application/json")
		return resp, nil
	}

	// Go would otherwise add its own User-Agent to requests that came without one
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
	return s.base.RoundTrip(req)
}
