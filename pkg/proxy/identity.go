package proxy

import (
	"net/http"
	"strconv"
)

// Headers set by the Nextcloud front server to describe the caller
const (
	HeaderCallerUser  = "X-Nextcloud-User-Id"
	HeaderCallerAdmin = "X-Nextcloud-Admin"
	HeaderCSPNonce    = "X-Nextcloud-Csp-Nonce"
)

// Caller is the authenticated Nextcloud user behind a proxied request.
// An empty UserID means an anonymous caller.
type Caller struct {
	UserID string
	Admin  bool
}

// Identity resolves the caller of a proxied request
type Identity interface {
	Resolve(r *http.Request) Caller
}

// IdentityFunc adapts a function to Identity
type IdentityFunc func(r *http.Request) Caller

// Resolve implements Identity
func (f IdentityFunc) Resolve(r *http.Request) Caller {
	return f(r)
}

// HeaderIdentity trusts the caller headers set by the front server. It must
// only be used when the proxy is not reachable directly.
type HeaderIdentity struct{}

// Resolve implements Identity
func (HeaderIdentity) Resolve(r *http.Request) Caller {
	caller := Caller{UserID: r.Header.Get(HeaderCallerUser)}
	if caller.UserID != "" {
		caller.Admin, _ = strconv.ParseBool(r.Header.Get(HeaderCallerAdmin))
	}
	return caller
}
