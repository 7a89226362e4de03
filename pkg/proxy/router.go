package proxy

import (
	"regexp"
	"strings"
	"sync"

	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// Router matches proxied paths against the routes an ExApp declared
type Router struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewRouter creates a router with an empty pattern cache
func NewRouter() *Router {
	return &Router{compiled: make(map[string]*regexp.Regexp)}
}

// Match returns the first route of app that accepts method on path for
// caller, or nil. path is relative to /exapps/<appid>/.
func (r *Router) Match(app *types.ExApp, method, path string, caller Caller) *types.Route {
	for i := range app.Routes {
		route := &app.Routes[i]
		if !r.matchURL(route.URL, path) {
			continue
		}
		if !matchVerb(route.Verb, method) {
			continue
		}
		if !matchAccessLevel(route.AccessLevel, caller) {
			continue
		}
		return route
	}
	return nil
}

// matchURL reports whether pattern, a case-insensitive regexp, matches
// anywhere in path
func (r *Router) matchURL(pattern, path string) bool {
	re, err := r.regexp(pattern)
	if err != nil {
		log.Warnf("Invalid ExApp route pattern %q: %v", pattern, err)
		return false
	}
	return re.MatchString(path)
}

func (r *Router) regexp(pattern string) (*regexp.Regexp, error) {
	r.mu.RLock()
	re, ok := r.compiled[pattern]
	r.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.compiled[pattern] = re
	r.mu.Unlock()
	return re, nil
}

// matchVerb checks the method against a comma separated verb list
func matchVerb(verbs, method string) bool {
	for _, verb := range strings.Split(verbs, ",") {
		if strings.EqualFold(strings.TrimSpace(verb), method) {
			return true
		}
	}
	return false
}

func matchAccessLevel(level types.AccessLevel, caller Caller) bool {
	switch level {
	case types.AccessPublic:
		return true
	case types.AccessUser:
		return caller.UserID != ""
	case types.AccessAdmin:
		return caller.UserID != "" && caller.Admin
	default:
		return false
	}
}
