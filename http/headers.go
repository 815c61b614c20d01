package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Forwarded identity/session headers, in their wire casing
const (
	HeaderAuthorization  = "Authorization"
	HeaderXAuthorization = "X-Authorization"
	HeaderXUserToken     = "X-User-Token"
	HeaderMCPSessionID   = "MCP-Session-Id"
)

// ForwardedHeaderNames is the allow-list of headers that may be passed on to
// the settlement service.
var ForwardedHeaderNames = []string{
	HeaderAuthorization,
	HeaderXAuthorization,
	HeaderXUserToken,
	HeaderMCPSessionID,
}

// RequestInit describes the request the caller wants to make
type RequestInit struct {
	Method string
	Header http.Header
	Body   []byte
}

// BuildHeaders converts the header shapes callers commonly hold into an
// http.Header. Unsupported shapes produce an empty header.
func BuildHeaders(src any) http.Header {
	h := make(http.Header)

	switch v := src.(type) {
	case nil:
	case http.Header:
		for k, vals := range v {
			for _, val := range vals {
				h.Add(k, val)
			}
		}
	case map[string][]string:
		for k, vals := range v {
			for _, val := range vals {
				h.Add(k, val)
			}
		}
	case map[string]string:
		for k, val := range v {
			h.Set(k, val)
		}
	case map[string]any:
		for k, raw := range v {
			switch val := raw.(type) {
			case string:
				h.Set(k, val)
			case []string:
				for _, s := range val {
					h.Add(k, s)
				}
			case []any:
				for _, item := range val {
					if s, ok := item.(string); ok {
						h.Add(k, s)
					}
				}
			case nil:
			default:
				h.Set(k, fmt.Sprint(val))
			}
		}
	case [][2]string:
		for _, pair := range v {
			h.Add(pair[0], pair[1])
		}
	}

	return h
}

// CloneRequestInit returns a deep copy of init with the method defaulted to GET
func CloneRequestInit(init RequestInit) RequestInit {
	method := strings.ToUpper(strings.TrimSpace(init.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if init.Body != nil {
		body = append([]byte(nil), init.Body...)
	}

	header := init.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return RequestInit{
		Method: method,
		Header: header,
		Body:   body,
	}
}

// JoinURL joins a base URL and a path with exactly one slash between them.
// An absolute path URL is returned unchanged.
func JoinURL(base, path string) string {
	if isAbsoluteURL(path) {
		return path
	}
	if base == "" {
		return path
	}
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// SettlementURL derives the settlement endpoint for a target URL: the
// target's origin with settlementPath as the path. When the target has no
// usable origin only the path is returned.
func SettlementURL(target, settlementPath string) string {
	if isAbsoluteURL(settlementPath) {
		return settlementPath
	}

	origin, ok := Origin(target)
	if !ok {
		return settlementPath
	}
	return JoinURL(origin, settlementPath)
}

// Origin returns scheme://host of rawURL
func Origin(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// ForwardedHeaders collects the allow-listed headers from the original
// request and the per-call overrides. Lookups are case-insensitive, overrides
// win, and absent headers are omitted. Keys in the result use wire casing,
// so read them with direct map access rather than Get.
func ForwardedHeaders(request http.Header, overrides http.Header) http.Header {
	out := make(http.Header)
	for _, name := range ForwardedHeaderNames {
		if v, ok := lookupHeader(overrides, name); ok {
			out[name] = []string{v}
			continue
		}
		if v, ok := lookupHeader(request, name); ok {
			out[name] = []string{v}
		}
	}
	return out
}

func lookupHeader(h http.Header, name string) (string, bool) {
	for k, vals := range h {
		if strings.EqualFold(k, name) && len(vals) > 0 && vals[0] != "" {
			return vals[0], true
		}
	}
	return "", false
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
