package config

import "testing"

func TestLoadAppliesDefaultsWithNoArgsOrEnv(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 4711 {
		t.Fatalf("Port = %d, want 4711", cfg.Port)
	}
	if cfg.StorageRoot != "data" {
		t.Fatalf("StorageRoot = %q, want data", cfg.StorageRoot)
	}
	if cfg.StorageKind != "jsonfile" {
		t.Fatalf("StorageKind = %q, want jsonfile", cfg.StorageKind)
	}
	if cfg.WebhookEnable {
		t.Fatal("WebhookEnable should default to false")
	}
}

func TestLoadHonorsPortAndStorageRootFlags(t *testing.T) {
	cfg, err := Load([]string{"-p", "9090", "-f", "/tmp/hubdata"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.StorageRoot != "/tmp/hubdata" {
		t.Fatalf("StorageRoot = %q, want /tmp/hubdata", cfg.StorageRoot)
	}
}

func TestLoadBindsEnvironmentOverrides(t *testing.T) {
	t.Setenv("HUBD_STORAGE_KIND", "sqlite")
	t.Setenv("USER_SESSION_EXPIRATION", "600")
	t.Setenv("FIRMWARE_UPDATE_LOOKUP", "https://firmware.example/lookup")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StorageKind != "sqlite" {
		t.Fatalf("StorageKind = %q, want sqlite", cfg.StorageKind)
	}
	if cfg.SessionExpiration.Seconds() != 600 {
		t.Fatalf("SessionExpiration = %v, want 600s", cfg.SessionExpiration)
	}
	if cfg.FirmwareLookupURL != "https://firmware.example/lookup" {
		t.Fatalf("FirmwareLookupURL = %q, want the lookup URL", cfg.FirmwareLookupURL)
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	if _, err := Load([]string{"--not-a-real-flag"}); err == nil {
		t.Fatal("expected an error for an unrecognized flag")
	}
}

