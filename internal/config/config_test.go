package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DICOM.AETitle != "STORESCP" {
		t.Errorf("ae title = %q, want STORESCP", cfg.DICOM.AETitle)
	}
	if cfg.DICOM.Port != 11112 {
		t.Errorf("dicom port = %d, want 11112", cfg.DICOM.Port)
	}
	if cfg.DICOM.SubOperationTimeout != 10*time.Second {
		t.Errorf("sub-op timeout = %v, want 10s", cfg.DICOM.SubOperationTimeout)
	}
	if cfg.Storage.TempPath == "" {
		t.Error("temp path should default under storage path")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMoveDestinations(t *testing.T) {
	t.Setenv("DICOM_MOVE_DESTINATIONS", "ARCHIVE=10.0.0.5:104, VIEWER=10.0.0.9:11112")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := cfg.DICOM.MoveDestinations["ARCHIVE"]; got != "10.0.0.5:104" {
		t.Errorf("ARCHIVE = %q", got)
	}
	if got := cfg.DICOM.MoveDestinations["VIEWER"]; got != "10.0.0.9:11112" {
		t.Errorf("VIEWER = %q", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, _ := Load()
	cfg.DICOM.AETitle = "THIS_AE_TITLE_IS_TOO_LONG"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for oversized AE title")
	}

	cfg, _ = Load()
	cfg.DICOM.WorklistPort = cfg.DICOM.Port
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for colliding ports")
	}

	cfg, _ = Load()
	cfg.Cache.Type = "memcached"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown cache type")
	}
}

func TestCallingAEAllowed(t *testing.T) {
	d := DICOMConfig{}
	if !d.CallingAEAllowed("ANYONE") {
		t.Error("empty allow-list must admit every caller")
	}

	d.AllowedCallingAETitles = []string{"CT01", "MR01"}
	if !d.CallingAEAllowed("CT01") {
		t.Error("listed caller rejected")
	}
	if d.CallingAEAllowed("US99") {
		t.Error("unlisted caller admitted")
	}
}
