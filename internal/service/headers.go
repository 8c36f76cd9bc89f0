package service

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHopHeaders are meaningful only for a single transport leg and are never
// forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// cloneEndToEnd copies src without hop-by-hop headers, including any header
// named as a token of src's Connection header.
func cloneEndToEnd(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = textproto.TrimString(token); token != "" {
				dst.Del(token)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}

// appendForwarded sets X-Forwarded-For/-Host/-Proto from the inbound request.
func appendForwarded(h http.Header, remoteAddr, host string, tls bool) {
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if host != "" && h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if tls {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
}
