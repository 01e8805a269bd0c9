// Command sentryd is the network intrusion detection sensor: it captures
// traffic on one or more interfaces, extracts per-flow features,
// evaluates them against signature and custom rules, enriches confirmed
// hits with reputation and geolocation data, and fans the resulting
// alerts out to the store, dashboard, and notification channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/redis/go-redis/v9"

	"github.com/sentryd/sentryd/internal/alert"
	"github.com/sentryd/sentryd/internal/analyzer"
	"github.com/sentryd/sentryd/internal/capture"
	"github.com/sentryd/sentryd/internal/config"
	"github.com/sentryd/sentryd/internal/detect"
	"github.com/sentryd/sentryd/internal/enrich"
	chsink "github.com/sentryd/sentryd/internal/sink/clickhouse"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	preset := flag.String("preset", "", "Detection sensitivity preset (light, standard, aggressive)")
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentryd v%s (commit: %s)\n", version, commit)
		fmt.Printf("Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Printf("Starting sentryd v%s", version)

	cfg, err := config.Load(*configPath, config.Preset(*preset))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded (instance: %s)", cfg.InstanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	queue := make(chan gopacket.Packet, cfg.Network.BufferSize)

	interfaces := cfg.Network.Interfaces
	if len(interfaces) == 0 {
		interfaces = []string{cfg.Network.Interface}
	}

	var captureWg sync.WaitGroup
	for _, iface := range interfaces {
		if !interfaceExists(iface) {
			log.Printf("Configured interface %q not found on this host, skipping", iface)
			continue
		}
		c := capture.New(iface, queue,
			capture.WithSnapLen(cfg.Network.SnapLength),
			capture.WithPromiscuous(cfg.Network.Promiscuous),
		)
		captureWg.Add(1)
		go func(ifaceName string) {
			defer captureWg.Done()
			log.Printf("Starting capture on interface: %s", ifaceName)
			if err := c.Start(ctx, cfg.Network.BPFFilter); err != nil {
				log.Printf("Capture on %s stopped: %v", ifaceName, err)
			}
		}(iface)
	}
	log.Printf("Capturing on %d interface(s): %v", len(interfaces), interfaces)

	enricher := buildEnricher(cfg)
	emitter := buildEmitter(cfg)
	defer emitter.Close()

	a := analyzer.New(cfg.Detection.FlowIdleTimeout)
	d := buildDetector(cfg)

	var featureSink *chsink.Sink
	if cfg.ClickHouse.Addr != "" {
		if client, err := chsink.NewClient(chsink.Config{
			Host: cfg.ClickHouse.Addr, Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username, Password: cfg.ClickHouse.Password,
		}); err != nil {
			log.Printf("ClickHouse sink disabled: %v", err)
		} else {
			featureSink = chsink.NewSink(client, chsink.Config{})
			defer featureSink.Close()
		}
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		runConsumer(ctx, queue, a, d, enricher, emitter, featureSink)
	}()

	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	cancel()
	captureWg.Wait()
	<-consumerDone

	log.Printf("sentryd shutdown complete")
}

// runConsumer is the single goroutine that owns the Analyzer and
// Detector's tracker state: everything downstream of the capture queue
// runs here, sequentially, so nothing needs a lock.
func runConsumer(ctx context.Context, queue chan gopacket.Packet, a *analyzer.Analyzer, d *detect.Detector, enricher *enrich.Enricher, emitter *alert.Emitter, featureSink *chsink.Sink) {
	sweepInterval := 30 * time.Second
	lastSweep := time.Now()

	for {
		pkt, ok := capture.Next(queue, time.Second)
		if !ok {
			if ctx.Err() != nil {
				return // shutdown requested and the queue is drained
			}
			if time.Since(lastSweep) >= sweepInterval {
				a.Sweep(time.Now())
				lastSweep = time.Now()
			}
			continue
		}

		feature := a.Analyze(pkt)
		if feature == nil {
			continue
		}

		if featureSink != nil {
			featureSink.Write(feature)
		}

		hits := d.Detect(feature)
		for _, hit := range hits {
			processHit(ctx, hit, enricher, emitter)
		}
	}
}

func processHit(ctx context.Context, hit detect.ThreatHit, enricher *enrich.Enricher, emitter *alert.Emitter) {
	a := alert.New(string(hit.Type), hit.Rule, hit.SrcIP, hit.DstIP, hit.Confidence, hit.Timestamp, hit.Context)

	if enricher != nil {
		enrichCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		enrichment, err := enricher.Enrich(enrichCtx, hit.SrcIP, hit.DstIP)
		cancel()
		if err != nil {
			log.Printf("[sentryd] enrichment failed for %s: %v", hit.SrcIP, err)
		} else if enrichment != nil {
			applyEnrichment(a, enrichment)
		}
	}

	emitter.Emit(a)
}

func applyEnrichment(a *alert.Alert, e *enrich.Enrichment) {
	if e.Reputation != nil {
		a.AbuseScore = e.Reputation.AbuseScore
		a.IsKnownThreat = e.Reputation.IsKnownThreat
		a.Categories = e.Reputation.Categories
		a.TotalReports = e.Reputation.TotalReports
	}
	if e.SourceGeo != nil {
		a.SrcCountry, a.SrcCity = e.SourceGeo.Country, e.SourceGeo.City
	}
	if e.DestGeo != nil {
		a.DstCountry, a.DstCity = e.DestGeo.Country, e.DestGeo.City
	}
}

func buildDetector(cfg *config.Config) *detect.Detector {
	detConfig := detect.Config{
		PortScanThreshold: cfg.Detection.PortScanThreshold,
		PortScanWindow:    cfg.Detection.PortScanWindow,
		SynFloodThreshold: cfg.Detection.SynFloodThreshold,
		DDoSThreshold:     cfg.Detection.DDoSThreshold,
		RateWindow:        cfg.Detection.RateWindow,
		BruteForceThreshold: cfg.Detection.BruteForceThreshold,
		SynTrackerKeyMode: detect.SynTrackerKeyMode(cfg.Detection.SynTrackerKeyMode),
	}
	if cfg.Detection.Anomaly.Enabled {
		multiplier := cfg.Detection.Anomaly.Multiplier
		if multiplier <= 0 {
			multiplier = 5
		}
		detConfig.AnomalyScorer = detect.NewBaselineScorer(0.1, multiplier)
	}

	d := detect.New(detConfig)

	if cfg.Detection.RulesFile != "" {
		log.Printf("Custom rules file configured but not loaded at startup: %s (load via detect.LoadExprRules)", cfg.Detection.RulesFile)
	}

	return d
}

func buildEnricher(cfg *config.Config) *enrich.Enricher {
	var repCache enrich.Cache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		repCache = enrich.NewRedisCache(client, "reputation:")
	} else {
		repCache = enrich.NewMemCache()
	}

	var repClient *enrich.ReputationClient
	if cfg.ThreatIntelligence.AbuseIPDB.Enabled {
		repClient = enrich.NewReputationClient(cfg.ThreatIntelligence.AbuseIPDB.APIKey, cfg.ThreatIntelligence.AbuseIPDB.ConfidenceThreshold, repCache)
	}

	var geoProvider *enrich.GeoProvider
	if cfg.Geolocation.Enabled {
		geoProvider = enrich.NewGeoProvider(cfg.Geolocation.DBPath)
	}

	if repClient == nil && geoProvider == nil {
		return nil
	}
	return enrich.New(repClient, geoProvider)
}

func buildEmitter(cfg *config.Config) *alert.Emitter {
	var store *alert.Store
	if cfg.Postgres.DSN != "" {
		s, err := alert.NewStore(alert.StoreConfig{DSN: cfg.Postgres.DSN})
		if err != nil {
			log.Printf("Alert store disabled: %v", err)
		} else {
			if err := s.InitializeSchema(context.Background()); err != nil {
				log.Printf("Failed to initialize alert schema: %v", err)
			}
			store = s
		}
	}

	var dashboard *alert.DashboardPusher
	if cfg.Dashboard.URL != "" {
		dashboard = alert.NewDashboardPusher(cfg.Dashboard.URL)
	}

	var natsSink *alert.NATSSink
	if cfg.NATS.URL != "" {
		sink, err := alert.NewNATSSink(cfg.NATS.URL, "sentryd.alerts")
		if err != nil {
			log.Printf("NATS alert sink disabled: %v", err)
		} else {
			natsSink = sink
		}
	}

	notifiers := alert.NewNotifierRegistry()
	if cfg.Notifications.Email.Enabled {
		email := cfg.Notifications.Email
		notifiers.Register(alert.NewEmailNotifier(
			fmt.Sprintf("%s:%d", email.SMTPServer, email.SMTPPort),
			email.Sender, email.Recipients, email.Sender, email.Password, email.SMTPServer,
		))
	}
	if cfg.Notifications.Slack.Enabled {
		notifiers.Register(alert.NewSlackNotifier(cfg.Notifications.Slack.WebhookURL))
	}
	if cfg.Notifications.Discord.Enabled {
		notifiers.Register(alert.NewDiscordNotifier(cfg.Notifications.Discord.WebhookURL))
	}

	return alert.NewEmitter(store, dashboard, natsSink, notifiers)
}

// interfaceExists reports whether name is present in the host's capture
// device list, so a typo'd or removed interface is skipped with a log
// line instead of being handed to capture.Start.
func interfaceExists(name string) bool {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return false
	}
	for _, d := range devices {
		if d.Name == name {
			return true
		}
	}
	return false
}
