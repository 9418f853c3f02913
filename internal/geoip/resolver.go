package geoip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/ratelimit"
)

const limiterKey = "geoip:primary"

// Resolver combines a rate-limited primary source with a fallback.
// Concurrent lookups of one address share a single request.
type Resolver struct {
	primary   *HTTPSource
	fallback  Source
	limiter   *ratelimit.Limiter
	perMinute int
	group     singleflight.Group
	logger    *logging.Logger
	metrics   *metrics.Registry
}

// NewResolver builds a resolver. Either source may be nil.
func NewResolver(primary *HTTPSource, fallback Source, limiter *ratelimit.Limiter, perMinute int, logger *logging.Logger) *Resolver {
	if limiter == nil {
		limiter = ratelimit.NewLimiter(nil)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		primary:   primary,
		fallback:  fallback,
		limiter:   limiter,
		perMinute: perMinute,
		logger:    logger.WithComponent("geoip"),
		metrics:   metrics.Get(),
	}
}

// Lookup resolves ip, preferring the primary source while its budget
// lasts.
func (r *Resolver) Lookup(ctx context.Context, ip string) (Info, error) {
	v, err, _ := r.group.Do(ip, func() (any, error) {
		return r.lookup(ctx, ip)
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

func (r *Resolver) lookup(ctx context.Context, ip string) (Info, error) {
	var primaryErr error

	if r.primary != nil {
		if r.limiter.Allow(limiterKey, r.perMinute, time.Minute) {
			info, remaining, err := r.primary.lookup(ctx, ip)
			r.metrics.RecordLookup(SourcePrimary, err)
			if remaining == 0 {
				r.limiter.Exhaust(limiterKey, r.perMinute, time.Minute)
			}
			if err == nil {
				return info, nil
			}
			primaryErr = err
			if errors.Is(err, ErrRateLimited) {
				r.logger.Debug("primary lookup rate limited, using fallback", "ip", ip)
			} else {
				r.logger.Debug("primary lookup failed", "ip", ip, "error", err)
			}
		} else {
			primaryErr = ErrRateLimited
		}
	}

	if r.fallback == nil {
		if primaryErr != nil {
			return Info{}, primaryErr
		}
		return Info{}, ErrUnavailable
	}

	info, err := r.fallback.Lookup(ctx, ip)
	r.metrics.RecordLookup(SourceFallback, err)
	if err != nil {
		return Info{}, fmt.Errorf("fallback lookup: %w", err)
	}
	return info, nil
}
