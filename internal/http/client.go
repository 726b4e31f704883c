package http

import (
	"crypto/tls"
	"net"
	nethttp "net/http"
	"os"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http2"

	"github.com/rescale/mission-int/internal/constants"
)

// NewClient builds the client shared by the blob stores and the compute
// service API.
//
// The pool is sized for many parallel case transfers and compression is off
// since simulation outputs are mostly binary. HTTP/2 is attempted unless
// DISABLE_HTTP2=true or a proxy is in the way (override with FORCE_HTTP2=true).
// There is no client-wide timeout; every remote call carries its own deadline.
func NewClient(cfg ProxyConfig) (*nethttp.Client, error) {
	proxy, err := cfg.proxyFunc()
	if err != nil {
		return nil, err
	}

	tr := &nethttp.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	if os.Getenv("DISABLE_HTTP2") == "true" || (cfg.active() && os.Getenv("FORCE_HTTP2") != "true") {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = map[string]func(string, *tls.Conn) nethttp.RoundTripper{}
	} else if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	if cfg.mode() == ProxyNTLM {
		return &nethttp.Client{Transport: ntlmssp.Negotiator{RoundTripper: tr}}, nil
	}
	return &nethttp.Client{Transport: tr}, nil
}
