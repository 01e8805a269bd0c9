package enrich

import (
	"context"
	"testing"
	"time"
)

func TestReputationCheckSkipsPrivateIPs(t *testing.T) {
	client := NewReputationClient("fake-key", 75, NewMemCache())

	rep, err := client.Check(context.Background(), "192.168.1.50")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !rep.IsPrivate {
		t.Error("expected private IP to be flagged IsPrivate")
	}
	if rep.AbuseScore != 0 {
		t.Errorf("private IP should never be scored, got %d", rep.AbuseScore)
	}
}

func TestReputationCheckNoAPIKeyNeverCalls(t *testing.T) {
	client := NewReputationClient("", 75, NewMemCache())

	rep, err := client.Check(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if rep.AbuseScore != 0 || rep.IsKnownThreat {
		t.Error("with no API key, Check must not fabricate a positive result")
	}
}

func TestReputationCacheRoundTrip(t *testing.T) {
	rep := &Reputation{IP: "8.8.8.8", AbuseScore: 42, TotalReports: 7, IsKnownThreat: true, Categories: []string{"DDoS Attack", "Brute-Force"}}
	encoded, err := encodeReputation(rep)
	if err != nil {
		t.Fatalf("encodeReputation: %v", err)
	}
	decoded, err := decodeReputation(encoded)
	if err != nil {
		t.Fatalf("decodeReputation: %v", err)
	}
	if decoded.AbuseScore != rep.AbuseScore || decoded.TotalReports != rep.TotalReports || decoded.IsKnownThreat != rep.IsKnownThreat {
		t.Errorf("round trip mismatch: got %+v", decoded)
	}
}

func TestGeoLookupSkipsPrivateIPs(t *testing.T) {
	provider := NewGeoProvider("")
	loc, err := provider.Lookup("10.0.0.5")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc == nil || loc.Country != "Local Network" {
		t.Errorf("expected synthetic local-network record, got %+v", loc)
	}
}

func TestGeoLookupNoDatabaseReturnsNilForPublicIP(t *testing.T) {
	provider := NewGeoProvider("")
	loc, err := provider.Lookup("8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc != nil {
		t.Errorf("expected nil location with no database loaded, got %+v", loc)
	}
}

func TestMemCacheEvictsAtLimit(t *testing.T) {
	cache := NewMemCache()
	ctx := context.Background()

	for i := 0; i < memCacheLimit+10; i++ {
		key := "ip-" + string(rune(i))
		if err := cache.Set(ctx, key, "v", time.Hour); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	if cache.Size() > memCacheLimit {
		t.Errorf("cache size %d exceeds limit %d", cache.Size(), memCacheLimit)
	}
}

func TestMemCacheExpiry(t *testing.T) {
	cache := NewMemCache()
	ctx := context.Background()

	if err := cache.Set(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := cache.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected expired entry to miss")
	}
}

func TestEnricherDegradesWithoutDependencies(t *testing.T) {
	e := New(nil, nil)
	result, err := e.Enrich(context.Background(), "1.2.3.4", "5.6.7.8")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if result.Reputation != nil || result.SourceGeo != nil || result.DestGeo != nil {
		t.Errorf("expected nil enrichment fields with nil dependencies, got %+v", result)
	}
}
