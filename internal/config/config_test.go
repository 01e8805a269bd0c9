package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/sentryd.yaml", PresetStandard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Network.Interface != "eth0" {
		t.Errorf("Network.Interface = %q, want eth0", cfg.Network.Interface)
	}
	if cfg.Detection.PortScanThreshold != 10 {
		t.Errorf("Detection.PortScanThreshold = %d, want 10", cfg.Detection.PortScanThreshold)
	}
	if cfg.Detection.SynTrackerKeyMode != "dst" {
		t.Errorf("Detection.SynTrackerKeyMode = %q, want dst", cfg.Detection.SynTrackerKeyMode)
	}
	if cfg.InstanceID == "" {
		t.Error("InstanceID should be generated when unset")
	}
}

func TestLoadPresets(t *testing.T) {
	tests := []struct {
		name              string
		preset            Preset
		wantPortScan      int
		wantSynFlood      int
	}{
		{"aggressive lowers thresholds", PresetAggressive, 5, 50},
		{"light raises thresholds", PresetLight, 25, 250},
		{"standard keeps defaults", PresetStandard, 10, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("/nonexistent/path/sentryd.yaml", tt.preset)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Detection.PortScanThreshold != tt.wantPortScan {
				t.Errorf("PortScanThreshold = %d, want %d", cfg.Detection.PortScanThreshold, tt.wantPortScan)
			}
			if cfg.Detection.SynFloodThreshold != tt.wantSynFlood {
				t.Errorf("SynFloodThreshold = %d, want %d", cfg.Detection.SynFloodThreshold, tt.wantSynFlood)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("IDS_INTERFACE", "eth1")
	os.Setenv("DASHBOARD_URL", "http://example.test/api/alert")
	defer os.Unsetenv("IDS_INTERFACE")
	defer os.Unsetenv("DASHBOARD_URL")

	cfg, err := Load("/nonexistent/path/sentryd.yaml", PresetStandard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Network.Interface != "eth1" {
		t.Errorf("Network.Interface = %q, want eth1 (from IDS_INTERFACE)", cfg.Network.Interface)
	}
	if cfg.Dashboard.URL != "http://example.test/api/alert" {
		t.Errorf("Dashboard.URL = %q, want override from DASHBOARD_URL", cfg.Dashboard.URL)
	}
}
