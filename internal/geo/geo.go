// Package geo implements the Geo Service: IP geolocation lookups against
// ip-api.com, with permanent caching, singleflight coalescing, and a
// rate-limited batch worker (spec §4.8).
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/errs"
	"github.com/privacyradar/netattrib/internal/logging"
	"github.com/privacyradar/netattrib/internal/model"
)

var log = logging.For("geo")

const geoFields = "country,region,regionName,city,zip,lat,lon,timezone,isp,org,as,asname,mobile,proxy,hosting"

// cacheEntry is a permanently cached lookup outcome: either a positive
// result or a recorded negative (spec §4.8 "cached permanently").
type cacheEntry struct {
	data model.GeoLocationData
	ok   bool
}

// pending tracks one IP's state-machine progress through
// new -> queued -> in-flight -> cached (spec §4.8).
type pending struct {
	ip   string
	done chan struct{}
}

// Service is the Geo Service. A single background worker drains a queue of
// pending lookups in batches, bounded by a semaphore and rate-limited
// between batches; concurrent callers for the same IP share one outstanding
// request via singleflight.
type Service struct {
	cfg    config.Config
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group

	queue   chan *pending
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	closed  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Geo Service and starts its background worker.
func New(cfg config.Config) *Service {
	// The batch worker already sleeps cfg.GeoRateLimit between batches; this
	// limiter is a fallback backstop so a burst of concurrent fetches within
	// one batch (up to GeoBatchSize goroutines) can't exceed the same
	// steady-state rate if the batch sleep is ever bypassed.
	perRequest := cfg.GeoRateLimit / time.Duration(cfg.GeoBatchSize)
	s := &Service{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.GeoCallerTimeout},
		cache:   make(map[string]cacheEntry),
		queue:   make(chan *pending, 4096),
		sem:     semaphore.NewWeighted(int64(cfg.GeoBatchSize)),
		limiter: rate.NewLimiter(rate.Every(perRequest), cfg.GeoBatchSize),
		closed:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Lookup resolves ip to geolocation data, per spec §4.8. It blocks the
// caller (not the pipeline — callers run this from a background goroutine)
// until the result is available, the lookup fails, or ctx's ~30s deadline
// passes, in which case it returns an empty result without caching.
func (s *Service) Lookup(ctx context.Context, ip string) (model.GeoLocationData, error) {
	s.mu.Lock()
	if entry, ok := s.cache[ip]; ok {
		s.mu.Unlock()
		if !entry.ok {
			return model.GeoLocationData{}, fmt.Errorf("%w: cached negative for %s", errs.ErrGeoLookupFailed, ip)
		}
		return entry.data, nil
	}
	s.mu.Unlock()

	p := &pending{ip: ip, done: make(chan struct{})}
	select {
	case s.queue <- p:
	case <-s.closed:
		return model.GeoLocationData{}, fmt.Errorf("%w: service closed", errs.ErrGeoLookupFailed)
	}

	select {
	case <-p.done:
		s.mu.Lock()
		entry, ok := s.cache[ip]
		s.mu.Unlock()
		if !ok || !entry.ok {
			return model.GeoLocationData{}, fmt.Errorf("%w: %s", errs.ErrGeoLookupFailed, ip)
		}
		return entry.data, nil
	case <-ctx.Done():
		return model.GeoLocationData{}, nil
	}
}

// worker drains the queue in batches of cfg.GeoBatchSize concurrent upstream
// calls, sleeping cfg.GeoRateLimit between batches (spec §4.8).
func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.queue:
			s.drainBatch(p)
			select {
			case <-time.After(s.cfg.GeoRateLimit):
			case <-s.closed:
			}
		case <-s.closed:
			s.drainRemaining()
			return
		}
	}
}

// drainRemaining processes whatever is already buffered in the queue
// without further rate-limit sleeps, so Close() never strands a caller
// blocked on pending.done (spec §4.8 "close() drains the queue").
func (s *Service) drainRemaining() {
	for {
		select {
		case p := <-s.queue:
			s.drainBatch(p)
		default:
			return
		}
	}
}

// drainBatch processes first plus any further already-queued items, up to
// GeoBatchSize concurrent fetches.
func (s *Service) drainBatch(first *pending) {
	batch := []*pending{first}
drain:
	for len(batch) < s.cfg.GeoBatchSize {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
		default:
			break drain
		}
	}

	var wg sync.WaitGroup
	for _, p := range batch {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			close(p.done)
			continue
		}
		wg.Add(1)
		go func(p *pending) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer close(p.done)
			s.fetchOnce(p.ip)
		}(p)
	}
	wg.Wait()
}

// fetchOnce coalesces concurrent fetches for the same IP (spec §4.8
// "share a single outstanding request") and populates the cache. A prior
// batch may have already resolved ip by the time this batch drains, so the
// cache is checked again here, not just in Lookup — singleflight only
// coalesces calls that are concurrently in flight, not ones separated by a
// completed call.
func (s *Service) fetchOnce(ip string) {
	s.mu.Lock()
	_, ok := s.cache[ip]
	s.mu.Unlock()
	if ok {
		return
	}

	_, _, _ = s.group.Do(ip, func() (interface{}, error) {
		data, err := s.fetch(ip)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			log.WithError(err).WithField("ip", ip).Debug("geo lookup upstream failure, caching negative")
			s.cache[ip] = cacheEntry{ok: false}
			return nil, err
		}
		s.cache[ip] = cacheEntry{data: data, ok: true}
		return data, nil
	})
}

func (s *Service) fetch(ip string) (model.GeoLocationData, error) {
	endpoint := s.cfg.GeoAPIBaseURL + url.PathEscape(ip) + "?fields=" + geoFields

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GeoCallerTimeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return model.GeoLocationData{}, fmt.Errorf("%w: rate limiter: %v", errs.ErrGeoLookupFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.GeoLocationData{}, fmt.Errorf("%w: %v", errs.ErrGeoLookupFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.GeoLocationData{}, fmt.Errorf("%w: %v", errs.ErrGeoLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.GeoLocationData{}, fmt.Errorf("%w: status %d", errs.ErrGeoLookupFailed, resp.StatusCode)
	}

	var raw apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return model.GeoLocationData{}, fmt.Errorf("%w: %v", errs.ErrGeoLookupFailed, err)
	}
	if raw.Status == "fail" {
		return model.GeoLocationData{}, fmt.Errorf("%w: %s", errs.ErrGeoLookupFailed, raw.Message)
	}

	asNumber, asName := splitAS(raw.AS)
	if raw.ASName != "" {
		asName = raw.ASName
	}

	return model.GeoLocationData{
		Country: raw.Country, Region: raw.Region, RegionName: raw.RegionName,
		City: raw.City, Zip: raw.Zip, Lat: raw.Lat, Lon: raw.Lon,
		Timezone: raw.Timezone, ISP: raw.ISP, Org: raw.Org,
		AS: asNumber, ASName: asName,
		Mobile: raw.Mobile, Proxy: raw.Proxy, Hosting: raw.Hosting,
	}, nil
}

// apiResponse mirrors ip-api.com's JSON shape for the fields we request.
type apiResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	Region     string  `json:"region"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Zip        string  `json:"zip"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Timezone   string  `json:"timezone"`
	ISP        string  `json:"isp"`
	Org        string  `json:"org"`
	AS         string  `json:"as"`
	ASName     string  `json:"asname"`
	Mobile     bool    `json:"mobile"`
	Proxy      bool    `json:"proxy"`
	Hosting    bool    `json:"hosting"`
}

// splitAS splits ip-api.com's combined "AS15169 Google LLC" field into its
// number and name parts (spec §8 scenario 6).
func splitAS(as string) (number, name string) {
	as = strings.TrimSpace(as)
	if !strings.HasPrefix(as, "AS") {
		return "", ""
	}
	rest := as[2:]
	idx := strings.IndexByte(rest, ' ')
	if idx < 0 {
		return rest, ""
	}
	number = rest[:idx]
	name = strings.TrimSpace(rest[idx+1:])
	if _, err := strconv.Atoi(number); err != nil {
		return "", as
	}
	return number, name
}

// GetPublicIP discovers this host's public IP via ipify (spec §4.8,
// "get_public_ip()").
func (s *Service) GetPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.PublicIPURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.IP, nil
}

// Close drains the queue, waiting for in-flight lookups to complete or
// time out, before releasing state (spec §4.8 "close() drains the queue").
func (s *Service) Close() {
	close(s.closed)
	s.wg.Wait()
}

// CacheSize returns the number of IPs (positive or negative) currently
// cached, for the Metrics Exporter.
func (s *Service) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// QueueDepth returns the number of lookups currently buffered ahead of the
// worker, for the Metrics Exporter.
func (s *Service) QueueDepth() int {
	return len(s.queue)
}
