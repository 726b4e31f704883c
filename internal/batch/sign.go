package batch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	nethttp "net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SharedKeyCredential signs requests with the Batch account key.
type SharedKeyCredential struct {
	account string
	key     []byte
}

// NewSharedKeyCredential decodes the base64 account key.
func NewSharedKeyCredential(account, key string) (*SharedKeyCredential, error) {
	if account == "" {
		return nil, fmt.Errorf("batch account name is required")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("batch account key is not valid base64: %w", err)
	}
	return &SharedKeyCredential{account: account, key: raw}, nil
}

// Account returns the account name the credential signs for.
func (c *SharedKeyCredential) Account() string {
	return c.account
}

// Sign stamps ocp-date and sets the Authorization header.
func (c *SharedKeyCredential) Sign(req *nethttp.Request) error {
	req.Header.Set("ocp-date", time.Now().UTC().Format(nethttp.TimeFormat))

	mac := hmac.New(sha256.New, c.key)
	if _, err := mac.Write([]byte(c.stringToSign(req))); err != nil {
		return err
	}
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("Authorization", "SharedKey "+c.account+":"+sig)
	return nil
}

func (c *SharedKeyCredential) stringToSign(req *nethttp.Request) string {
	contentLength := ""
	if req.ContentLength > 0 {
		contentLength = strconv.FormatInt(req.ContentLength, 10)
	}
	h := req.Header
	return strings.Join([]string{
		req.Method,
		h.Get("Content-Encoding"),
		h.Get("Content-Language"),
		contentLength,
		h.Get("Content-MD5"),
		h.Get("Content-Type"),
		h.Get("Date"),
		h.Get("If-Modified-Since"),
		h.Get("If-Match"),
		h.Get("If-None-Match"),
		h.Get("If-Unmodified-Since"),
		h.Get("Range"),
		canonicalHeaders(h) + c.canonicalResource(req.URL),
	}, "\n")
}

// canonicalHeaders lists the ocp-* headers, lowercased and sorted, one per line.
func canonicalHeaders(h nethttp.Header) string {
	var names []string
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "ocp-") {
			names = append(names, lower)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(h.Get(name))
		b.WriteByte('\n')
	}
	return b.String()
}

// canonicalResource is /<account><path> followed by the sorted query parameters.
func (c *SharedKeyCredential) canonicalResource(u *url.URL) string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(c.account)
	if u.Path == "" {
		b.WriteByte('/')
	} else {
		b.WriteString(u.EscapedPath())
	}

	query := u.Query()
	params := make([]string, 0, len(query))
	for name := range query {
		params = append(params, name)
	}
	sort.Slice(params, func(i, j int) bool { return strings.ToLower(params[i]) < strings.ToLower(params[j]) })
	for _, name := range params {
		values := query[name]
		sort.Strings(values)
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(name))
		b.WriteByte(':')
		b.WriteString(strings.Join(values, ","))
	}
	return b.String()
}
