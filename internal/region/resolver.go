package region

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/cache"
	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/resilience"
)

// Sources a region can be resolved from, in precedence order.
const (
	SourceQuery   = "query"
	SourceProfile = "profile"
	SourceHeader  = "header"
	SourceGeoIP   = "geoip"
	SourceDefault = "default"
)

const geoCacheKeyPrefix = "region:geoip:"

// GeoClient performs the outbound GeoIP lookup.
type GeoClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Resolver determines the buyer's region for location-based pricing. The
// chain is explicit override, authenticated profile, CDN country header,
// then a GeoIP lookup on the client address; when everything fails the
// configured default applies.
type Resolver struct {
	GeoBaseURL    string
	Geo           GeoClient
	Cache         *cache.Cache
	DefaultRegion string
	Log           zerolog.Logger
}

// NewResolver wires a resolver around the shared resilient HTTP client.
func NewResolver(baseURL, defaultRegion string, client *resilience.HTTPClient, c *cache.Cache, log zerolog.Logger) *Resolver {
	var geo GeoClient
	if client != nil {
		geo = client
	}
	return &Resolver{
		GeoBaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Geo:           geo,
		Cache:         c,
		DefaultRegion: normalize(defaultRegion),
		Log:           log,
	}
}

func normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 2 || len(code) > 8 {
		return ""
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' {
			return ""
		}
	}
	return code
}

func observeLookup(source, result string) {
	if obs.RegionLookupTotal != nil {
		obs.RegionLookupTotal.WithLabelValues(source, result).Inc()
	}
}

// Resolve returns the region code for the request along with the source that
// produced it. It never fails; an unresolvable region falls back to the
// default, which may be empty.
func (r *Resolver) Resolve(req *http.Request) (string, string) {
	if code := normalize(req.URL.Query().Get("region")); code != "" {
		observeLookup(SourceQuery, "hit")
		return code, SourceQuery
	}
	if profileRegion, ok := common.Region(req.Context()); ok {
		if code := normalize(profileRegion); code != "" {
			observeLookup(SourceProfile, "hit")
			return code, SourceProfile
		}
	}
	for _, header := range []string{"CF-IPCountry", "X-Country-Code"} {
		if code := normalize(req.Header.Get(header)); code != "" {
			observeLookup(SourceHeader, "hit")
			return code, SourceHeader
		}
	}
	if code := r.lookupGeoIP(req.Context(), clientIP(req)); code != "" {
		return code, SourceGeoIP
	}
	observeLookup(SourceDefault, "hit")
	return r.DefaultRegion, SourceDefault
}

// lookupGeoIP queries the GeoIP service for the country of the given address.
// Results are cached per IP so the upstream only sees each address once per TTL.
func (r *Resolver) lookupGeoIP(ctx context.Context, ip string) string {
	if r.Geo == nil || r.GeoBaseURL == "" || ip == "" {
		return ""
	}
	key := geoCacheKeyPrefix + ip
	var cached string
	if ok, err := r.Cache.GetJSON(ctx, key, &cached); err == nil && ok {
		observeLookup(SourceGeoIP, "cache_hit")
		return normalize(cached)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/country/%s", r.GeoBaseURL, ip), nil)
	if err != nil {
		observeLookup(SourceGeoIP, "error")
		return ""
	}
	resp, err := r.Geo.Do(ctx, req)
	if err != nil {
		r.Log.Warn().Err(err).Str("ip", ip).Msg("geoip lookup failed")
		observeLookup(SourceGeoIP, "error")
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		observeLookup(SourceGeoIP, "miss")
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		observeLookup(SourceGeoIP, "error")
		return ""
	}
	var payload struct {
		Country string `json:"country"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		observeLookup(SourceGeoIP, "error")
		return ""
	}
	code := normalize(payload.Country)
	if code == "" {
		observeLookup(SourceGeoIP, "miss")
		return ""
	}
	_ = r.Cache.SetJSON(ctx, key, code)
	observeLookup(SourceGeoIP, "hit")
	return code
}

func clientIP(req *http.Request) string {
	if fwd := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		if net.ParseIP(req.RemoteAddr) != nil {
			return req.RemoteAddr
		}
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	return ""
}

// Middleware resolves the region once per request and stores it on the
// context for the pricing call sites downstream.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		code, _ := r.Resolve(req)
		if code != "" {
			req = req.WithContext(common.WithRegion(req.Context(), code))
		}
		next.ServeHTTP(w, req)
	})
}
