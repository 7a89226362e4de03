package proxy

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// HeaderOriginIP carries the original client address to the ExApp
const HeaderOriginIP = "X-Origin-Ip"

// hopHeaders are connection-scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// internalResponseHeaders are AppAPI headers an ExApp may echo back
var internalResponseHeaders = []string{
	security.HeaderAAVersion,
	security.HeaderExAppID,
	security.HeaderAuthorization,
	security.HeaderExAppVersion,
	security.HeaderRequestID,
}

// outboundHeaders builds the header set forwarded to the ExApp. Headers the
// route excludes are dropped, along with Content-Length, the AppAPI
// authorization and any client supplied origin address.
func outboundHeaders(r *http.Request, route *types.Route, clientIP string) http.Header {
	header := r.Header.Clone()
	for _, key := range hopHeaders {
		header.Del(key)
	}
	for _, key := range route.HeadersToExclude {
		header.Del(key)
	}
	header.Del("Content-Length")
	header.Del(security.HeaderAuthorization)
	// the transport negotiates compression itself so HTML can be rewritten
	header.Del("Accept-Encoding")
	// the front server identity headers are not for the ExApp
	header.Del(HeaderCallerUser)
	header.Del(HeaderCallerAdmin)
	header.Del(HeaderCSPNonce)

	header.Set(HeaderOriginIP, clientIP)
	return header
}

// copyResponseHeaders relays upstream headers without the AppAPI internal
// ones and without chunked transfer encoding
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	for _, key := range internalResponseHeaders {
		dst.Del(key)
	}
	for _, key := range hopHeaders {
		dst.Del(key)
	}
}

// inferContentType fills a missing Content-Type from the path extension
func inferContentType(header http.Header, requestPath string) {
	if header.Get("Content-Type") != "" {
		return
	}
	ext := strings.ToLower(path.Ext(requestPath))
	if ext == "" {
		return
	}
	contentType := mime.TypeByExtension(ext)
	if ext == ".wasm" {
		contentType = "application/wasm"
	}
	if contentType != "" && contentType != "application/octet-stream" {
		header.Set("Content-Type", contentType)
	}
}

// isHTMLPath reports whether the proxied path names an HTML document
func isHTMLPath(requestPath string) bool {
	return strings.EqualFold(path.Ext(requestPath), ".html")
}

// injectNonce adds nonce to every <script tag
func injectNonce(body []byte, nonce string) []byte {
	return bytes.ReplaceAll(body, []byte("<script"), []byte(`<script nonce="`+nonce+`"`))
}

// requestNonce returns the CSP nonce the front server chose for this page,
// or a fresh one
func requestNonce(r *http.Request) string {
	if nonce := r.Header.Get(HeaderCSPNonce); nonce != "" {
		return nonce
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.StdEncoding.EncodeToString(buf)
}

// clientIP returns the caller address. Forwarding headers are only honoured
// behind a trusted front server.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-Ip"); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
