package detect

import (
	"errors"
	"testing"
	"time"

	"github.com/sentryd/sentryd/internal/analyzer"
)

func synFeature(src, dst string, dstPort uint16, ts time.Time) *analyzer.Feature {
	return &analyzer.Feature{
		Timestamp: ts,
		SrcIP:     src,
		DstIP:     dst,
		Protocol:  analyzer.ProtocolTCP,
		DstPort:   dstPort,
		TCPFlags:  "S",
	}
}

func TestPortScanFiresAboveThreshold(t *testing.T) {
	d := New(Config{PortScanThreshold: 5, PortScanWindow: 10 * time.Second})
	now := time.Now()

	var hits []ThreatHit
	for port := uint16(1); port <= 6; port++ {
		hits = d.Detect(synFeature("10.0.0.5", "10.0.0.1", port, now))
	}

	found := false
	for _, h := range hits {
		if h.Rule == "port_scan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected port_scan hit after 6 distinct ports, got hits=%v", hits)
	}
}

func TestPortScanDoesNotFireBelowThreshold(t *testing.T) {
	d := New(Config{PortScanThreshold: 10, PortScanWindow: 10 * time.Second})
	now := time.Now()

	for port := uint16(1); port <= 3; port++ {
		hits := d.Detect(synFeature("10.0.0.5", "10.0.0.1", port, now))
		for _, h := range hits {
			if h.Rule == "port_scan" {
				t.Fatalf("port_scan fired prematurely at port %d", port)
			}
		}
	}
}

func TestSynFloodFiresAboveThreshold(t *testing.T) {
	d := New(Config{SynFloodThreshold: 3, RateWindow: time.Second})
	now := time.Now()

	var hits []ThreatHit
	for i := 0; i < 4; i++ {
		hits = d.Detect(synFeature("10.0.0.9", "10.0.0.1", 80, now))
	}

	found := false
	for _, h := range hits {
		if h.Rule == "syn_flood" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected syn_flood hit, got hits=%v", hits)
	}
}

func TestSynFloodResetsAfterRateWindow(t *testing.T) {
	d := New(Config{SynFloodThreshold: 2, RateWindow: 100 * time.Millisecond})
	now := time.Now()

	d.Detect(synFeature("10.0.0.9", "10.0.0.1", 80, now))
	d.Detect(synFeature("10.0.0.9", "10.0.0.1", 80, now))
	hits := d.Detect(synFeature("10.0.0.9", "10.0.0.1", 80, now.Add(200*time.Millisecond)))

	for _, h := range hits {
		if h.Rule == "syn_flood" {
			t.Fatalf("syn_flood should have reset after the rate window elapsed")
		}
	}
}

func TestDDoSFiresAboveThreshold(t *testing.T) {
	d := New(Config{DDoSThreshold: 3, RateWindow: time.Second})
	now := time.Now()

	var hits []ThreatHit
	for i := 0; i < 4; i++ {
		feature := &analyzer.Feature{Timestamp: now, SrcIP: "10.0.0.1", DstIP: "10.0.0.1", Protocol: analyzer.ProtocolUDP}
		hits = d.Detect(feature)
	}

	found := false
	for _, h := range hits {
		if h.Rule == "ddos" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ddos hit, got hits=%v", hits)
	}
}

func TestRuleErrorIsIsolated(t *testing.T) {
	d := New(Config{PortScanThreshold: 1000, SynFloodThreshold: 1000, DDoSThreshold: 1000})

	failing := Rule{
		Name:              "always_fails",
		Type:              HitSignature,
		DefaultConfidence: 1.0,
		Evaluate: func(f *analyzer.Feature) (bool, float64, map[string]interface{}, error) {
			return false, 0, nil, errors.New("boom")
		},
	}
	d.registry.rules = append(d.registry.rules, failing)

	hits := d.Detect(synFeature("10.0.0.1", "10.0.0.2", 22, time.Now()))
	if len(hits) != 0 {
		t.Fatalf("unexpected hits from low-volume traffic: %v", hits)
	}
	if d.RuleErrors()["always_fails"] != 1 {
		t.Fatalf("expected always_fails error to be counted once, got %d", d.RuleErrors()["always_fails"])
	}

	// A second feature should still be evaluated by every rule, including
	// the one that errored before: one rule's failure never disables it.
	d.Detect(synFeature("10.0.0.1", "10.0.0.2", 23, time.Now()))
	if d.RuleErrors()["always_fails"] != 2 {
		t.Fatalf("expected always_fails error count to grow, got %d", d.RuleErrors()["always_fails"])
	}
}

func TestSynTrackerKeyModeSrcDst(t *testing.T) {
	d := New(Config{SynFloodThreshold: 2, RateWindow: time.Second, SynTrackerKeyMode: SynTrackerKeySrcDst})
	now := time.Now()

	d.Detect(synFeature("10.0.0.1", "10.0.0.100", 80, now))
	d.Detect(synFeature("10.0.0.1", "10.0.0.100", 80, now))
	hits := d.Detect(synFeature("10.0.0.2", "10.0.0.100", 80, now))

	for _, h := range hits {
		if h.Rule == "syn_flood" {
			t.Fatalf("a different source keyed separately should not trip the same counter")
		}
	}
}

func TestBaselineScorerFirstSightingNeverAnomalous(t *testing.T) {
	scorer := NewBaselineScorer(0.1, 5)
	score, err := scorer.Score(&analyzer.Feature{DstIP: "10.0.0.1", PacketRate: 10000})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score != 0 {
		t.Errorf("first sighting should never be anomalous, got score=%f", score)
	}
}

func TestBaselineScorerFlagsSpike(t *testing.T) {
	scorer := NewBaselineScorer(0.5, 3)
	for i := 0; i < 5; i++ {
		if _, err := scorer.Score(&analyzer.Feature{DstIP: "10.0.0.1", PacketRate: 10}); err != nil {
			t.Fatalf("Score: %v", err)
		}
	}

	score, err := scorer.Score(&analyzer.Feature{DstIP: "10.0.0.1", PacketRate: 1000})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score >= 0 {
		t.Errorf("expected a negative (anomalous) score for a 100x spike, got %f", score)
	}
}

func TestLoadExprRulesSkipsInvalidCondition(t *testing.T) {
	reg := NewRegistry()
	LoadExprRules(reg, []ExprRule{
		{Name: "valid", Condition: "Feature.DstPort == 4444", DefaultConfidence: 0.7},
		{Name: "invalid", Condition: "Feature.Nonexistent ===", DefaultConfidence: 0.5},
	})

	if len(reg.Rules()) != 1 {
		t.Fatalf("expected only the valid rule to load, got %d rules", len(reg.Rules()))
	}
	if reg.Rules()[0].Name != "valid" {
		t.Errorf("unexpected rule loaded: %s", reg.Rules()[0].Name)
	}
}

func TestLoadExprRulesMatches(t *testing.T) {
	reg := NewRegistry()
	LoadExprRules(reg, []ExprRule{
		{Name: "backdoor_port", Condition: "Feature.DstPort == 4444", DefaultConfidence: 0.7},
	})

	fired, confidence, ctx, err := reg.Rules()[0].Evaluate(&analyzer.Feature{DstPort: 4444})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !fired {
		t.Fatal("expected custom rule to fire on matching port")
	}
	if confidence != 0.7 {
		t.Errorf("confidence = %f, want 0.7", confidence)
	}
	if ctx["custom_rule"] != "backdoor_port" {
		t.Errorf("unexpected context: %v", ctx)
	}
}
