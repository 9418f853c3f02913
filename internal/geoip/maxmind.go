package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// MaxMind answers lookups from local GeoLite2/GeoIP2 City and ASN
// databases. Either database may be absent.
type MaxMind struct {
	mu       sync.RWMutex
	city     *geoip2.Reader
	asn      *geoip2.Reader
	cityPath string
	asnPath  string
}

// OpenMaxMind opens whichever of the two databases has a path. It fails
// only if neither can be opened.
func OpenMaxMind(cityPath, asnPath string) (*MaxMind, error) {
	m := &MaxMind{cityPath: cityPath, asnPath: asnPath}
	if err := m.open(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MaxMind) open() error {
	var errs []error
	if m.cityPath != "" {
		r, err := geoip2.Open(m.cityPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("opening city database: %w", err))
		} else {
			m.city = r
		}
	}
	if m.asnPath != "" {
		r, err := geoip2.Open(m.asnPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("opening ASN database: %w", err))
		} else {
			m.asn = r
		}
	}
	if m.city == nil && m.asn == nil {
		if len(errs) == 0 {
			return fmt.Errorf("%w: no MaxMind database configured", ErrUnavailable)
		}
		return errors.Join(errs...)
	}
	return nil
}

// Lookup implements Source.
func (m *MaxMind) Lookup(_ context.Context, ip string) (Info, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Info{}, fmt.Errorf("invalid address %q", ip)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	info := Info{Source: SourceFallback}
	if m.city != nil {
		rec, err := m.city.City(parsed)
		if err != nil {
			return Info{}, fmt.Errorf("city lookup for %s: %w", ip, err)
		}
		info.Country = rec.Country.Names["en"]
		info.CountryCode = rec.Country.IsoCode
		info.City = rec.City.Names["en"]
	}
	if m.asn != nil {
		rec, err := m.asn.ASN(parsed)
		if err != nil {
			return Info{}, fmt.Errorf("ASN lookup for %s: %w", ip, err)
		}
		info.ISP = rec.AutonomousSystemOrganization
		info.Org = fmt.Sprintf("AS%d %s", rec.AutonomousSystemNumber, rec.AutonomousSystemOrganization)
	}
	return info, nil
}

// Reload reopens both databases, e.g. after an update.
func (m *MaxMind) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	return m.open()
}

// Close releases the database resources.
func (m *MaxMind) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *MaxMind) closeLocked() error {
	var errs []error
	if m.city != nil {
		errs = append(errs, m.city.Close())
		m.city = nil
	}
	if m.asn != nil {
		errs = append(errs, m.asn.Close())
		m.asn = nil
	}
	return errors.Join(errs...)
}
