package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrapbird/syncgate/pkg/domain/category"
	"github.com/scrapbird/syncgate/pkg/domain/license"
	"github.com/scrapbird/syncgate/pkg/domain/quota"
	"github.com/scrapbird/syncgate/pkg/infra/limitstore"
	"github.com/scrapbird/syncgate/pkg/infra/prometheus"
)

// FallbackPolicy is the admission behavior when the counter store cannot be
// reached. Failing closed protects tenant isolation; failing open favors
// availability. The choice is deliberate configuration, never an implicit
// default buried in error handling.
type FallbackPolicy string

const (
	FailClosed FallbackPolicy = "fail_closed"
	FailOpen   FallbackPolicy = "fail_open"
)

func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case FailClosed, FailOpen:
		return FallbackPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown fallback policy %q (want %q or %q)", s, FailClosed, FailOpen)
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int64
	ResetAt   time.Time
	Category  category.Category
	Degraded  bool
}

type Limiter interface {
	Check(ctx context.Context, lic license.Context, cat category.Category) Decision
	CheckIdentifier(ctx context.Context, identifier string, cat category.Category) Decision
	Usage(ctx context.Context, licenseHash string) (map[string]limitstore.Entry, error)
}

type limiter struct {
	store   limitstore.Store
	table   *quota.Table
	policy  FallbackPolicy
	timeout time.Duration
	logger  *logrus.Logger
}

func NewLimiter(
	store limitstore.Store,
	table *quota.Table,
	policy FallbackPolicy,
	timeout time.Duration,
	logger *logrus.Logger,
) Limiter {
	return &limiter{
		store:   store,
		table:   table,
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

func (l *limiter) Check(ctx context.Context, lic license.Context, cat category.Category) Decision {
	limit, degraded := l.table.Lookup(lic.Tier, cat)
	if degraded {
		l.logger.WithFields(logrus.Fields{
			"tier":     lic.Tier,
			"category": cat,
		}).Warn("no quota configured, degrading to conservative default")
		prometheus.ConfigFallbackTotal.WithLabelValues(string(cat), string(lic.Tier)).Inc()
	}

	key := limitstore.Key{LicenseHash: lic.LicenseHash, Category: string(cat)}
	return l.decide(ctx, key, string(lic.Tier), cat, limit, degraded)
}

// CheckIdentifier runs a basic-tier check keyed by an arbitrary identifier.
// Used on unauthenticated auth endpoints where the partition key is an
// email, not a license hash.
func (l *limiter) CheckIdentifier(ctx context.Context, identifier string, cat category.Category) Decision {
	limit, degraded := l.table.Lookup(license.TierBasic, cat)

	key := limitstore.Key{LicenseHash: identifier, Category: string(cat)}
	return l.decide(ctx, key, string(license.TierBasic), cat, limit, degraded)
}

func (l *limiter) Usage(ctx context.Context, licenseHash string) (map[string]limitstore.Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Status(cctx, licenseHash)
}

func (l *limiter) decide(
	ctx context.Context,
	key limitstore.Key,
	tier string,
	cat category.Category,
	limit quota.Limit,
	degraded bool,
) Decision {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	res, err := l.store.CheckAndIncrement(cctx, key, limit.Count, limit.Window)
	prometheus.StoreLatency.Observe(float64(time.Since(start)) / float64(time.Millisecond))

	if err != nil {
		return l.fallback(err, tier, cat, limit, degraded)
	}

	decision := Decision{
		Allowed:   res.Allowed,
		Limit:     limit.Count,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Category:  cat,
		Degraded:  degraded,
	}

	if decision.Allowed {
		prometheus.RequestTotal.WithLabelValues(string(cat), tier, "allowed").Inc()
	} else {
		prometheus.RequestTotal.WithLabelValues(string(cat), tier, "denied").Inc()
		prometheus.DeniedTotal.WithLabelValues(string(cat), tier).Inc()
		l.logger.WithFields(logrus.Fields{
			"license_hash": license.Truncate(key.LicenseHash),
			"category":     cat,
			"tier":         tier,
			"limit":        limit.Count,
		}).Debug("quota exhausted")
	}

	return decision
}

// fallback applies the configured policy when the store is unreachable.
// Either way the event is logged and counted so operators can tell store
// degradation apart from tenants exceeding their quota.
func (l *limiter) fallback(err error, tier string, cat category.Category, limit quota.Limit, degraded bool) Decision {
	l.logger.WithError(err).WithFields(logrus.Fields{
		"category": cat,
		"tier":     tier,
		"fallback": l.policy,
	}).Warn("rate limit store unavailable, applying fallback policy")
	prometheus.StoreUnavailableTotal.WithLabelValues(string(l.policy)).Inc()

	decision := Decision{
		Allowed:  l.policy == FailOpen,
		Limit:    limit.Count,
		ResetAt:  time.Now().Add(limit.Window),
		Category: cat,
		Degraded: degraded,
	}
	if decision.Allowed {
		decision.Remaining = int64(limit.Count)
	}
	return decision
}
