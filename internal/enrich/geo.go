package enrich

import (
	"fmt"
	"log"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/sentryd/sentryd/internal/netutil"
)

// GeoLocation is the geolocation enrichment attached to an alert.
type GeoLocation struct {
	Country string
	City    string
	ISOCode string
	Lat     float64
	Lon     float64
}

// localNetworkLocation is the synthetic record returned for private and
// reserved addresses instead of a real database lookup.
var localNetworkLocation = &GeoLocation{Country: "Local Network", City: "Internal"}

// GeoProvider resolves an IP to a location using a MaxMind-format
// database. A provider with no database loaded degrades to returning nil
// for every public IP rather than failing enrichment outright.
type GeoProvider struct {
	db *geoip2.Reader
}

// NewGeoProvider opens dbPath. A missing or unreadable database is not
// fatal: geolocation is simply disabled and every call returns nil for
// public addresses, matching how the teacher's provider starts up
// without a license file present.
func NewGeoProvider(dbPath string) *GeoProvider {
	if dbPath == "" {
		return &GeoProvider{}
	}
	db, err := geoip2.Open(dbPath)
	if err != nil {
		log.Printf("[Enricher] GeoIP database not available at %s, geolocation disabled: %v", dbPath, err)
		return &GeoProvider{}
	}
	return &GeoProvider{db: db}
}

// Lookup resolves ipStr to a location. Private/reserved addresses return
// the synthetic local-network record without touching the database.
func (p *GeoProvider) Lookup(ipStr string) (*GeoLocation, error) {
	if netutil.IsPrivateIP(ipStr) {
		return localNetworkLocation, nil
	}
	if p.db == nil {
		return nil, nil
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", ipStr)
	}

	record, err := p.db.City(ip)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup for %s: %w", ipStr, err)
	}

	return &GeoLocation{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
		ISOCode: record.Country.IsoCode,
		Lat:     record.Location.Latitude,
		Lon:     record.Location.Longitude,
	}, nil
}

// Close releases the underlying database handle, if one was opened.
func (p *GeoProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
