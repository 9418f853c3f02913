// Package geoip resolves country, city and ISP details for an address.
//
// The primary source is an HTTP JSON API in the ip-api.com format, whose
// free tier allows 45 requests per minute. Requests are budgeted through a
// [ratelimit.Limiter]; when the budget is spent, or the API answers 429,
// lookups fall back to local MaxMind databases.
package geoip

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited reports that the primary source refused the request.
	ErrRateLimited = errors.New("lookup rate limited")
	// ErrUnavailable reports that no source could answer.
	ErrUnavailable = errors.New("no lookup source available")
)

// Sources recorded on Info and in metrics.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// Info is the enrichment data stored on a firewall rule.
type Info struct {
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
	Source      string `json:"-"`
}

// Empty reports whether no field was resolved.
func (i Info) Empty() bool {
	return i.Country == "" && i.CountryCode == "" && i.City == "" && i.ISP == "" && i.Org == ""
}

// Source answers lookups for a single address.
type Source interface {
	Lookup(ctx context.Context, ip string) (Info, error)
}
