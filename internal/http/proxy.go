package http

import (
	"fmt"
	nethttp "net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/mission-int/internal/constants"
)

// Proxy modes accepted in the [proxy] section.
const (
	ProxyNone   = "no-proxy"
	ProxySystem = "system"
	ProxyBasic  = "basic"
	ProxyNTLM   = "ntlm"
)

// ProxyConfig describes how outbound requests reach the cloud endpoints.
// An empty Mode means ProxyNone.
type ProxyConfig struct {
	Mode     string
	Host     string
	Port     int
	User     string
	Password string
	NoProxy  string // comma separated hosts, domains and CIDRs sent direct
}

func (p ProxyConfig) mode() string {
	if m := strings.ToLower(p.Mode); m != "" {
		return m
	}
	return ProxyNone
}

// authenticated reports whether the mode talks to an explicit proxy host.
func (p ProxyConfig) authenticated() bool {
	m := p.mode()
	return m == ProxyBasic || m == ProxyNTLM
}

// NeedsPassword is true when a user is configured for basic or ntlm but
// the password has not been supplied yet.
func (p ProxyConfig) NeedsPassword() bool {
	return p.authenticated() && p.User != "" && p.Password == ""
}

// URL returns the explicit proxy address. Credentials are embedded only when
// both user and password are known; some proxies reject an empty password.
func (p ProxyConfig) URL() *url.URL {
	port := p.Port
	if port == 0 {
		port = constants.DefaultProxyPort
	}
	u := &url.URL{Scheme: "http", Host: p.Host + ":" + strconv.Itoa(port)}
	if p.User != "" && p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u
}

// active reports whether requests will actually leave through a proxy.
func (p ProxyConfig) active() bool {
	switch p.mode() {
	case ProxyNone:
		return false
	case ProxySystem:
		for _, k := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
			if os.Getenv(k) != "" {
				return true
			}
		}
		return false
	}
	return true
}

// Validate rejects unknown modes and explicit modes without a host.
func (p ProxyConfig) Validate() error {
	switch p.mode() {
	case ProxyNone, ProxySystem:
		return nil
	case ProxyBasic, ProxyNTLM:
		if strings.TrimSpace(p.Host) == "" {
			return fmt.Errorf("proxy mode %s needs a proxy host", p.mode())
		}
		return nil
	}
	return fmt.Errorf("unsupported proxy mode: %s", p.Mode)
}

// proxyFunc picks the Transport.Proxy function for the mode. A nil function
// with a nil error means direct connections.
func (p ProxyConfig) proxyFunc() (func(*nethttp.Request) (*url.URL, error), error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.mode() {
	case ProxyNone:
		return nil, nil
	case ProxySystem:
		return nethttp.ProxyFromEnvironment, nil
	}

	u := p.URL()
	if p.NoProxy == "" {
		return nethttp.ProxyURL(u), nil
	}
	resolve := (&httpproxy.Config{
		HTTPProxy:  u.String(),
		HTTPSProxy: u.String(),
		NoProxy:    p.NoProxy,
	}).ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		return resolve(req.URL)
	}, nil
}
