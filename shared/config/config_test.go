package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadYardDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	cfg, _ := Load("svc", 8080)
	if cfg.ParkingSpots != 50 {
		t.Fatalf("expected 50 parking spots, got %d", cfg.ParkingSpots)
	}
	if cfg.PoolStaleMinutes != 15 || cfg.StuckTaskMinutes != 30 {
		t.Fatalf("unexpected sweep thresholds: %d/%d", cfg.PoolStaleMinutes, cfg.StuckTaskMinutes)
	}
	if cfg.ReconcileIntervalSec != 60 {
		t.Fatalf("expected reconcile interval 60, got %d", cfg.ReconcileIntervalSec)
	}
}

func TestLoadYardOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PARKING_SPOTS", "12")
	t.Setenv("STUCK_TASK_MINUTES", "45")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	cfg, problems := Load("svc", 8080)
	for _, p := range problems {
		if p.Field == "PARKING_SPOTS" || p.Field == "STUCK_TASK_MINUTES" || p.Field == "RATE_LIMIT_RPS" {
			t.Fatalf("unexpected problem: %+v", p)
		}
	}
	if cfg.ParkingSpots != 12 {
		t.Fatalf("expected 12 parking spots, got %d", cfg.ParkingSpots)
	}
	if cfg.StuckTaskMinutes != 45 {
		t.Fatalf("expected 45 stuck minutes, got %d", cfg.StuckTaskMinutes)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rps 2.5, got %v", cfg.RateLimitRPS)
	}
}

func TestLoadRejectsBadSpots(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PARKING_SPOTS", "0")
	cfg, problems := Load("svc", 8080)
	found := false
	for _, p := range problems {
		if p.Field == "PARKING_SPOTS" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a PARKING_SPOTS problem")
	}
	if cfg.ParkingSpots != 50 {
		t.Fatalf("expected fallback to 50, got %d", cfg.ParkingSpots)
	}
}
