package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nextcloud/app-api-sub001/pkg/log"
	"github.com/nextcloud/app-api-sub001/pkg/manager"
	"github.com/nextcloud/app-api-sub001/pkg/metrics"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// DefaultMaxBodyBytes bounds a proxied request body, which is read whole to
// compute its data hash
const DefaultMaxBodyBytes = 512 << 20

// ExApps is the part of the orchestration façade the proxy needs
type ExApps interface {
	GetExApp(appID string) (*types.ExApp, error)
	NewExAppRequest(ctx context.Context, app *types.ExApp, method, path string, body []byte, opts manager.RequestOptions) (*http.Request, error)
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes the proxy
type Config struct {
	Identity       Identity
	CacheSize      int
	CacheTTL       time.Duration
	ThrottleBurst  int
	ThrottleEvery  time.Duration
	MaxBodyBytes   int64
	TrustForwarded bool
}

// Proxy relays /exapps/<appid>/<path> to the ExApp, signing each request
type Proxy struct {
	exapps   ExApps
	cfg      Config
	router   *Router
	cache    *ResponseCache
	throttle *Throttler
	logger   zerolog.Logger
}

// NewProxy creates an ExApp reverse proxy
func NewProxy(exapps ExApps, cfg Config) *Proxy {
	if cfg.Identity == nil {
		cfg.Identity = HeaderIdentity{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Proxy{
		exapps:   exapps,
		cfg:      cfg,
		router:   NewRouter(),
		cache:    NewResponseCache(cfg.CacheSize, cfg.CacheTTL),
		throttle: NewThrottler(cfg.ThrottleBurst, cfg.ThrottleEvery),
		logger:   log.WithComponent("proxy"),
	}
}

// Routes returns the handler to mount under /exapps
func (p *Proxy) Routes() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc("/{appid}/*", p.ServeExApp)
	return r
}

// Cache exposes the response cache
func (p *Proxy) Cache() *ResponseCache {
	return p.cache
}

// Throttler exposes the bruteforce throttle
func (p *Proxy) Throttler() *Throttler {
	return p.throttle
}

// ServeExApp proxies one request. The chi URL params appid and * select the
// ExApp and the path on it.
func (p *Proxy) ServeExApp(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appid")
	other := chi.URLParam(r, "*")
	logger := p.logger.With().Str("app_id", appID).Str("path", other).Logger()

	status := p.serve(w, r, appID, other, logger)
	metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, appID, other string, logger zerolog.Logger) int {
	app, err := p.exapps.GetExApp(appID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error().Err(err).Msg("ExApp lookup failed")
			return fail(w, http.StatusInternalServerError)
		}
		logger.Debug().Msg("Returning 404: ExApp is not found")
		return fail(w, http.StatusNotFound)
	}
	if !app.Enabled {
		logger.Debug().Msg("Returning 404: ExApp is not enabled")
		return fail(w, http.StatusNotFound)
	}

	caller := p.cfg.Identity.Resolve(r)
	route := p.router.Match(app, r.Method, other, caller)
	if route == nil {
		logger.Debug().Msg("Returning 404: route does not pass the access check")
		return fail(w, http.StatusNotFound)
	}

	ip := clientIP(r, p.cfg.TrustForwarded)
	protected := len(route.BruteforceProtection) > 0
	if protected && p.throttle.Blocked(ip) {
		logger.Warn().Str("client", ip).Msg("Too many failed attempts")
		return fail(w, http.StatusTooManyRequests)
	}

	isHTML := isHTMLPath(other)
	uri := "/" + other
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}

	key := cacheKey(app.AppID, app.Version, caller.UserID, uri)
	if r.Method == http.MethodGet && !isHTML {
		if cached, ok := p.cache.get(key); ok {
			return writeCached(w, cached)
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(w, http.StatusRequestEntityTooLarge)
		}
		return fail(w, http.StatusBadRequest)
	}

	req, err := p.exapps.NewExAppRequest(r.Context(), app, r.Method, uri, body, manager.RequestOptions{
		UserID:    caller.UserID,
		RequestID: uuid.NewString(),
		Header:    outboundHeaders(r, route, ip),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build ExApp request")
		return fail(w, http.StatusInternalServerError)
	}

	resp, err := p.exapps.Do(req)
	if err != nil {
		logger.Error().Err(err).Msg("ExApp request failed")
		return fail(w, http.StatusInternalServerError)
	}
	defer resp.Body.Close()

	if protected {
		p.processBruteforce(route, ip, resp.StatusCode)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	inferContentType(w.Header(), other)
	canCache := cacheable(isHTML, resp.Header)
	if canCache {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(p.cache.ttl.Seconds())))
	}

	if isHTML {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read ExApp response")
			return fail(w, http.StatusInternalServerError)
		}
		data = injectNonce(data, requestNonce(r))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(data)
		return resp.StatusCode
	}

	if canCache && r.Method == http.MethodGet && resp.StatusCode == http.StatusOK &&
		resp.ContentLength >= 0 && resp.ContentLength <= maxCachedBody {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read ExApp response")
			return fail(w, http.StatusInternalServerError)
		}
		cached := &cachedResponse{status: resp.StatusCode, header: w.Header().Clone(), body: data}
		p.cache.add(key, cached)
		return writeCached(w, cached)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug().Err(err).Msg("Client went away during relay")
	}
	return resp.StatusCode
}

// processBruteforce resets the client after a success and records an
// attempt on the statuses the route protects
func (p *Proxy) processBruteforce(route *types.Route, ip string, status int) {
	if status >= 200 && status < 300 {
		p.throttle.Reset(ip)
		return
	}
	for _, protected := range route.BruteforceProtection {
		if protected == status {
			p.throttle.RegisterAttempt(ip)
			return
		}
	}
}

func writeCached(w http.ResponseWriter, cached *cachedResponse) int {
	header := w.Header()
	for key, values := range cached.header {
		header[key] = append([]string(nil), values...)
	}
	header.Set("Content-Length", strconv.Itoa(len(cached.body)))
	w.WriteHeader(cached.status)
	_, _ = w.Write(cached.body)
	return cached.status
}

func fail(w http.ResponseWriter, status int) int {
	http.Error(w, strings.ToLower(http.StatusText(status)), status)
	return status
}
