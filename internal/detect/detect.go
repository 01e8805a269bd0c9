// Package detect evaluates the feature stream produced by the Analyzer
// against a set of signature rules implemented as sliding-window
// counters, plus an optional extensible rule registry and an optional
// anomaly scorer. It is the hardest subsystem in the pipeline: tracker
// state is touched only by the single detection-consumer goroutine, so
// none of it is guarded by a mutex.
package detect

import (
	"log"
	"strings"
	"time"

	"github.com/sentryd/sentryd/internal/analyzer"
)

// HitType distinguishes a built-in signature hit from an anomaly hit.
type HitType string

const (
	HitSignature HitType = "signature"
	HitAnomaly   HitType = "anomaly"
)

// ThreatHit is what the Detector emits when a rule fires.
type ThreatHit struct {
	Type       HitType
	Rule       string
	Confidence float64
	Timestamp  time.Time
	SrcIP      string
	DstIP      string
	Context    map[string]interface{}
}

// SynTrackerKeyMode selects how syn_tracker is keyed, resolving the
// spec's open question about variant-dependent keying.
type SynTrackerKeyMode string

const (
	SynTrackerKeyDst    SynTrackerKeyMode = "dst"
	SynTrackerKeySrcDst SynTrackerKeyMode = "src_dst"
)

// Config carries the Detector's thresholds and windows — read-only after
// construction, per spec §5's configuration sharing rule.
type Config struct {
	PortScanThreshold   int
	PortScanWindow      time.Duration
	SynFloodThreshold   int
	DDoSThreshold       int
	RateWindow          time.Duration
	BruteForceThreshold int // reserved: no populating data source, see spec §9
	SynTrackerKeyMode   SynTrackerKeyMode

	AnomalyScorer AnomalyScorer // optional; nil disables the anomaly rule
}

// Detector runs the built-in trackers plus any registered rules against
// every feature in arrival order.
type Detector struct {
	cfg Config

	portScan *portScanTracker
	synFlood *rateTracker
	ddos     *rateTracker

	lastRateCleanup time.Time
	lastScanCleanup time.Time

	registry *Registry

	ruleErrors map[string]uint64
}

// New constructs a Detector with the built-in port_scan, syn_flood and
// ddos rules registered, plus the anomaly rule when cfg.AnomalyScorer is
// set.
func New(cfg Config) *Detector {
	if cfg.PortScanWindow <= 0 {
		cfg.PortScanWindow = 60 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.SynTrackerKeyMode == "" {
		cfg.SynTrackerKeyMode = SynTrackerKeyDst
	}

	d := &Detector{
		cfg:        cfg,
		portScan:   newPortScanTracker(cfg.PortScanWindow),
		synFlood:   newRateTracker(),
		ddos:       newRateTracker(),
		registry:   NewRegistry(),
		ruleErrors: make(map[string]uint64),
	}

	d.registry.RegisterBuiltin("port_scan", HitSignature, 1.0, d.evalPortScan)
	d.registry.RegisterBuiltin("syn_flood", HitSignature, 0.9, d.evalSynFlood)
	d.registry.RegisterBuiltin("ddos", HitSignature, 0.9, d.evalDDoS)
	if cfg.AnomalyScorer != nil {
		d.registry.RegisterBuiltin("anomaly", HitAnomaly, 0, d.evalAnomaly)
	}

	return d
}

// Registry exposes the rule table so callers can load additional
// expr-lang rules at startup (see rules_expr.go).
func (d *Detector) Registry() *Registry { return d.registry }

// Detect runs cleanup, then every registered rule, against feature in
// table order. A rule that errors is counted and skipped; it never
// prevents other rules — or future features — from being evaluated.
func (d *Detector) Detect(feature *analyzer.Feature) []ThreatHit {
	d.cleanup(feature.Timestamp)

	var hits []ThreatHit
	for _, rule := range d.registry.Rules() {
		fired, confidence, ctx, err := rule.Evaluate(feature)
		if err != nil {
			d.ruleErrors[rule.Name]++
			log.Printf("[Detector] rule %s evaluation error: %v", rule.Name, err)
			continue
		}
		if !fired {
			continue
		}
		if confidence == 0 {
			confidence = rule.DefaultConfidence
		}
		hits = append(hits, ThreatHit{
			Type:       rule.Type,
			Rule:       rule.Name,
			Confidence: confidence,
			Timestamp:  feature.Timestamp,
			SrcIP:      feature.SrcIP,
			DstIP:      feature.DstIP,
			Context:    ctx,
		})
	}
	return hits
}

// cleanup runs the two maintenance sweeps described in spec §4.C: the
// 1-second rate-tracker reset and the 10-second port-scan prune.
func (d *Detector) cleanup(now time.Time) {
	if d.lastRateCleanup.IsZero() {
		d.lastRateCleanup = now
	}
	if d.lastScanCleanup.IsZero() {
		d.lastScanCleanup = now
	}

	if now.Sub(d.lastRateCleanup) >= d.cfg.RateWindow {
		d.synFlood.reset()
		d.ddos.reset()
		d.lastRateCleanup = now
	}

	if now.Sub(d.lastScanCleanup) >= 10*time.Second {
		d.portScan.prune(now)
		d.lastScanCleanup = now
	}
}

// RuleErrors returns the per-rule error counters for operational metrics.
func (d *Detector) RuleErrors() map[string]uint64 {
	out := make(map[string]uint64, len(d.ruleErrors))
	for k, v := range d.ruleErrors {
		out[k] = v
	}
	return out
}

func isPureSYN(f *analyzer.Feature) bool {
	return f.Protocol == analyzer.ProtocolTCP &&
		strings.ContainsRune(f.TCPFlags, 'S') && !strings.ContainsRune(f.TCPFlags, 'A')
}

func (d *Detector) evalPortScan(f *analyzer.Feature) (bool, float64, map[string]interface{}, error) {
	if !isPureSYN(f) {
		return false, 0, nil, nil
	}
	if f.SrcIP == "" || f.DstIP == "" {
		return false, 0, nil, nil
	}

	count := d.portScan.record(f.SrcIP, f.DstIP, f.DstPort, f.Timestamp)
	if count <= d.cfg.PortScanThreshold {
		return false, 0, nil, nil
	}
	return true, 1.0, map[string]interface{}{
		"distinct_ports": count,
		"threshold":      d.cfg.PortScanThreshold,
	}, nil
}

func (d *Detector) evalSynFlood(f *analyzer.Feature) (bool, float64, map[string]interface{}, error) {
	if f.Protocol != analyzer.ProtocolTCP || f.TCPFlags != "S" {
		return false, 0, nil, nil
	}

	key := f.DstIP
	if d.cfg.SynTrackerKeyMode == SynTrackerKeySrcDst {
		key = f.SrcIP + "->" + f.DstIP
	}

	count := d.synFlood.increment(key)
	if count <= d.cfg.SynFloodThreshold {
		return false, 0, nil, nil
	}
	return true, 0, map[string]interface{}{"count": count, "threshold": d.cfg.SynFloodThreshold}, nil
}

func (d *Detector) evalDDoS(f *analyzer.Feature) (bool, float64, map[string]interface{}, error) {
	if f.DstIP == "" {
		return false, 0, nil, nil
	}

	count := d.ddos.increment(f.DstIP)
	if count <= d.cfg.DDoSThreshold {
		return false, 0, nil, nil
	}
	return true, 0, map[string]interface{}{"count": count, "threshold": d.cfg.DDoSThreshold}, nil
}

func (d *Detector) evalAnomaly(f *analyzer.Feature) (bool, float64, map[string]interface{}, error) {
	score, err := d.cfg.AnomalyScorer.Score(f)
	if err != nil {
		return false, 0, nil, err
	}
	if score >= -0.5 {
		return false, 0, nil, nil
	}
	confidence := -score
	if confidence > 1.0 {
		confidence = 1.0
	}
	return true, confidence, map[string]interface{}{"score": score}, nil
}
