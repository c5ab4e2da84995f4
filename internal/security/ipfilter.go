// ABOUTME: IP allow-list filtering and failed-attempt lockout.
// ABOUTME: Ban duration is a policy; zero means banned for the process lifetime.

package security

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// failureThreshold is how many failed auth attempts ban an IP.
const failureThreshold = 5

// BanStore persists bans across restarts. Implemented by store.SQLiteStore;
// optional, the filter works fully in memory without one.
type BanStore interface {
	SaveBan(ip string, until time.Time) error
	DeleteBan(ip string) error
	ListBans() (map[string]time.Time, error)
}

// IPFilter holds the allow-list and the lockout state. An empty allow-list
// admits every IP that is not banned.
type IPFilter struct {
	mu       sync.Mutex
	allowed  []*net.IPNet
	blocked  map[string]time.Time // ban expiry; zero time = permanent
	failures map[string]int

	banDuration time.Duration
	store       BanStore
	logger      *slog.Logger

	now func() time.Time
}

// NewIPFilter builds a filter from allow-list entries (exact IPs or CIDRs).
// Invalid entries are skipped with a warning, not fatal. banDuration of zero
// keeps bans for the process lifetime.
func NewIPFilter(allowedEntries []string, banDuration time.Duration, logger *slog.Logger) *IPFilter {
	f := &IPFilter{
		blocked:     make(map[string]time.Time),
		failures:    make(map[string]int),
		banDuration: banDuration,
		logger:      logger,
		now:         time.Now,
	}

	for _, entry := range allowedEntries {
		ipnet := parseEntry(entry)
		if ipnet == nil {
			logger.Warn("skipping invalid allow-list entry", "entry", entry)
			continue
		}
		f.allowed = append(f.allowed, ipnet)
	}

	return f
}

// parseEntry accepts "10.0.0.0/8" or a bare "10.1.2.3" (treated as a /32 or /128).
func parseEntry(entry string) *net.IPNet {
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		return ipnet
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil
	}
	bits := 128
	if ip.To4() != nil {
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// SetBanStore attaches persistence and loads previously saved bans.
func (f *IPFilter) SetBanStore(s BanStore) error {
	bans, err := s.ListBans()
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.store = s
	for ip, until := range bans {
		f.blocked[ip] = until
	}
	f.mu.Unlock()

	if len(bans) > 0 {
		f.logger.Info("loaded persisted IP bans", "count", len(bans))
	}
	return nil
}

// Allowed reports whether ip passes the filter: banned IPs are rejected,
// then the allow-list applies (empty list allows everyone).
func (f *IPFilter) Allowed(ip string) bool {
	if f.Blocked(ip) {
		return false
	}

	f.mu.Lock()
	allowed := f.allowed
	f.mu.Unlock()

	if len(allowed) == 0 {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range allowed {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}

// Blocked reports whether ip is currently banned. Expired bans are cleared
// lazily here.
func (f *IPFilter) Blocked(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	until, ok := f.blocked[ip]
	if !ok {
		return false
	}
	if !until.IsZero() && f.now().After(until) {
		delete(f.blocked, ip)
		delete(f.failures, ip)
		if f.store != nil {
			if err := f.store.DeleteBan(ip); err != nil {
				f.logger.Warn("failed to delete expired ban", "ip", ip, "error", err)
			}
		}
		return false
	}
	return true
}

// RecordFailure counts a failed auth attempt for ip and bans it once the
// threshold is reached.
func (f *IPFilter) RecordFailure(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[ip]++
	if f.failures[ip] < failureThreshold {
		return
	}
	if _, already := f.blocked[ip]; already {
		return
	}

	var until time.Time
	if f.banDuration > 0 {
		until = f.now().Add(f.banDuration)
	}
	f.blocked[ip] = until

	f.logger.Warn("IP banned after repeated failed attempts",
		"ip", ip,
		"failures", f.failures[ip],
		"permanent", until.IsZero(),
	)

	if f.store != nil {
		if err := f.store.SaveBan(ip, until); err != nil {
			f.logger.Warn("failed to persist ban", "ip", ip, "error", err)
		}
	}
}
