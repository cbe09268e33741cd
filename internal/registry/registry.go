// Package registry maintains the refreshable set of trust anchors (the
// domains explicitly enumerated as official) and answers the single question
// the verification engine asks: is this URL rooted in a trusted domain?
//
// The anchor set is loaded, in order of preference, from a local JSON
// snapshot, from a paginated upstream feed, or from a built-in minimal
// fallback.  Refresh is cache-driven: a go-cache marker with the configured
// TTL decides when the next IsTrusted call attempts a reload.  Load failures
// never clear the current set, and the set is never empty.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"

	"github.com/govverify/broker/internal/metrics"
)

// freshKey is the go-cache marker entry whose presence means the anchor set
// is still fresh.
const freshKey = "anchors_fresh"

// DefaultCacheTTL is how long a loaded anchor set is considered fresh.
const DefaultCacheTTL = time.Hour

// fallbackAnchors is the minimal built-in set used when neither the snapshot
// nor the upstream feed can be loaded. It guarantees the registry is never
// empty.
var fallbackAnchors = []string{
	"gov.pl",
	"www.gov.pl",
	"podatki.gov.pl",
	"obywatel.gov.pl",
	"epuap.gov.pl",
	"pacjent.gov.pl",
	"biznes.gov.pl",
	"zus.pl",
}

// Options configures a Registry.
type Options struct {
	// SnapshotPath is the local JSON snapshot of the anchor set. Optional;
	// when set it is both the first load source and the persistence target
	// after a successful upstream load.
	SnapshotPath string

	// FeedURL is the paginated upstream feed. Optional. Pages are fetched
	// as FeedURL?page=N and must return {"domains": [...], "has_more": bool}.
	FeedURL string

	// CacheTTL is how long a load stays fresh. Zero means DefaultCacheTTL.
	CacheTTL time.Duration

	// TestSSL trusts every *.badssl.com host. Never enable in production.
	TestSSL bool

	// HTTPClient is used for upstream fetches. Nil means a 10-second-timeout
	// client.
	HTTPClient *http.Client

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Registry is a refreshable trust-anchor set. It is safe for concurrent use.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	anchors map[string]struct{}

	// fresh carries a single marker entry whose expiry drives reloads.
	fresh *gocache.Cache

	// refreshMu makes reloads single-flight; IsTrusted callers that lose the
	// race serve from the current set.
	refreshMu sync.Mutex
}

// New builds a Registry seeded with the fallback set and performs an initial
// load attempt.
func New(ctx context.Context, opts Options) *Registry {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		opts:    opts,
		logger:  logger,
		anchors: toSet(fallbackAnchors),
		fresh:   gocache.New(opts.CacheTTL, opts.CacheTTL),
	}
	r.refresh(ctx)
	return r
}

// Len returns the current number of registered anchors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.anchors)
}

// IsTrusted reports whether rawURL is rooted in a registered trust anchor.
//
// The host is lowercased and stripped of its port, then matched exactly, with
// a www. prefix variant, and against every parent suffix down to (but not
// including) a single label: registering "pl" can never trust "evil.pl".
func (r *Registry) IsTrusted(ctx context.Context, rawURL string) bool {
	if _, ok := r.fresh.Get(freshKey); !ok {
		r.refresh(ctx)
	}

	host := hostOf(rawURL)
	if host == "" {
		return false
	}

	if r.opts.TestSSL && (host == "badssl.com" || strings.HasSuffix(host, ".badssl.com")) {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.matchLocked(host) {
		return true
	}
	// www. variant: both directions, so "www.gov.pl" in the set trusts
	// "gov.pl" and vice versa.
	if stripped, ok := strings.CutPrefix(host, "www."); ok {
		return r.matchLocked(stripped)
	}
	return r.matchLocked("www." + host)
}

// matchLocked checks host and its parent suffixes. Caller holds r.mu.
func (r *Registry) matchLocked(host string) bool {
	if _, ok := r.anchors[host]; ok {
		return true
	}
	parts := strings.Split(host, ".")
	// Parent suffixes must keep at least two labels.
	for i := 1; i <= len(parts)-2; i++ {
		parent := strings.Join(parts[i:], ".")
		if _, ok := r.anchors[parent]; ok {
			return true
		}
	}
	return false
}

// refresh attempts to reload the anchor set: snapshot, then upstream feed.
// On any success the freshness marker is reset; on total failure the marker
// is still reset so a flapping source is retried once per TTL, not once per
// request, and the existing set keeps serving.
func (r *Registry) refresh(ctx context.Context) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if _, ok := r.fresh.Get(freshKey); ok {
		return
	}
	defer r.fresh.SetDefault(freshKey, time.Now())

	if r.opts.SnapshotPath != "" {
		if domains, err := loadSnapshot(r.opts.SnapshotPath); err == nil {
			r.install(domains, "snapshot")
			return
		} else if !os.IsNotExist(err) {
			r.logger.Warn("registry: snapshot load failed", slog.Any("error", err))
		}
	}

	if r.opts.FeedURL != "" {
		domains, err := r.loadUpstream(ctx)
		if err != nil {
			r.logger.Warn("registry: upstream load failed, keeping current set",
				slog.Any("error", err))
			return
		}
		r.install(domains, "upstream")
		r.persistSnapshot(domains)
		return
	}

	r.logger.Info("registry: no snapshot or feed configured, serving built-in fallback")
}

// install replaces the anchor set. Empty loads are rejected so the registry
// can never go empty.
func (r *Registry) install(domains []string, source string) {
	if len(domains) == 0 {
		r.logger.Warn("registry: refusing empty anchor set", slog.String("source", source))
		return
	}
	set := toSet(domains)
	r.mu.Lock()
	r.anchors = set
	r.mu.Unlock()
	metrics.RegistryLoaded(source)
	r.logger.Info("registry: anchor set loaded",
		slog.String("source", source),
		slog.Int("count", len(set)),
	)
}

// feedPage is one page of the upstream anchor feed.
type feedPage struct {
	Domains []string `json:"domains"`
	HasMore bool     `json:"has_more"`
}

// loadUpstream walks the paginated feed. Each page fetch is retried with
// exponential backoff before the whole load is abandoned.
func (r *Registry) loadUpstream(ctx context.Context) ([]string, error) {
	var all []string
	for page := 1; ; page++ {
		sep := "?"
		if strings.Contains(r.opts.FeedURL, "?") {
			sep = "&"
		}
		pageURL := fmt.Sprintf("%s%spage=%d", r.opts.FeedURL, sep, page)

		var body feedPage
		fetch := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err := r.opts.HTTPClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("registry: feed page %d: status %d", page, resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&body)
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(fetch, policy); err != nil {
			return nil, fmt.Errorf("registry: feed page %d: %w", page, err)
		}

		all = append(all, body.Domains...)
		if !body.HasMore {
			break
		}
	}
	return all, nil
}

// persistSnapshot writes the freshly loaded set to the snapshot path so the
// next boot starts warm. Best-effort.
func (r *Registry) persistSnapshot(domains []string) {
	if r.opts.SnapshotPath == "" {
		return
	}
	data, err := json.MarshalIndent(domains, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(r.opts.SnapshotPath, data, 0o644); err != nil {
		r.logger.Warn("registry: snapshot persist failed", slog.Any("error", err))
	}
}

// loadSnapshot reads the local snapshot file. Both the flat list form written
// by persistSnapshot and the legacy object form (domain → policy) are
// accepted.
func loadSnapshot(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("registry: snapshot %q: unrecognized format: %w", path, err)
	}
	list = make([]string, 0, len(obj))
	for domain := range obj {
		list = append(list, domain)
	}
	return list, nil
}

// hostOf extracts the lowercased, port-stripped host from rawURL. Empty on
// parse failure.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func toSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}
