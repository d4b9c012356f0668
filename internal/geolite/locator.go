// Package geolite annotates addresses with MaxMind GeoLite2 country and ASN data.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	CountryFileName = "GeoLite2-Country.mmdb"
	ASNFileName     = "GeoLite2-ASN.mmdb"
)

type Location struct {
	Country string `json:"country,omitempty"`
	ISOCode string `json:"iso_code,omitempty"`
	ASN     uint   `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
}

// Locator resolves addresses against whichever databases were opened. A nil
// Locator answers every lookup with an empty Location.
type Locator struct {
	mu      sync.RWMutex
	country *geoip2.Reader
	asn     *geoip2.Reader
	cache   sync.Map
}

// Open loads the databases at countryPath and asnPath; an empty path skips
// that database. It fails only when no database could be opened.
func Open(countryPath, asnPath string) (*Locator, error) {
	l := &Locator{}
	var errs []error

	if countryPath != "" {
		reader, err := geoip2.Open(countryPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("country: %w", err))
		} else {
			l.country = reader
		}
	}
	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("asn: %w", err))
		} else {
			l.asn = reader
		}
	}

	if l.country == nil && l.asn == nil {
		if len(errs) == 0 {
			return nil, errors.New("geolite: no database configured")
		}
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		log.Warn("GeoLite opened partially", "error", errors.Join(errs...))
	}
	return l, nil
}

func (l *Locator) Available() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.country != nil || l.asn != nil
}

// Lookup returns what the databases know about addr. Ranges and malformed
// input yield an empty Location.
func (l *Locator) Lookup(addr string) Location {
	if l == nil {
		return Location{}
	}
	if cached, ok := l.cache.Load(addr); ok {
		return cached.(Location)
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return Location{}
	}

	l.mu.RLock()
	var loc Location
	if l.country != nil {
		if rec, err := l.country.Country(ip); err == nil {
			loc.Country = rec.Country.Names["en"]
			loc.ISOCode = rec.Country.IsoCode
		}
	}
	if l.asn != nil {
		if rec, err := l.asn.ASN(ip); err == nil {
			loc.ASN = rec.AutonomousSystemNumber
			loc.Org = rec.AutonomousSystemOrganization
		}
	}
	l.mu.RUnlock()

	l.cache.Store(addr, loc)
	return loc
}

func (l *Locator) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.country != nil {
		errs = append(errs, l.country.Close())
		l.country = nil
	}
	if l.asn != nil {
		errs = append(errs, l.asn.Close())
		l.asn = nil
	}
	l.cache.Range(func(key, _ any) bool {
		l.cache.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
