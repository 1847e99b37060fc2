package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempPEM(t *testing.T) (cert, key string) {
	t.Helper()
	dir := t.TempDir()
	cert = filepath.Join(dir, "cert.pem")
	key = filepath.Join(dir, "key.pem")
	for _, p := range []string{cert, key} {
		if err := os.WriteFile(p, []byte("-----BEGIN-----\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return cert, key
}

func validConfig(t *testing.T) *Config {
	cfg := Default()
	cfg.Password = "hunter2"
	cfg.Cert, cfg.Key = writeTempPEM(t)
	return cfg
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig(t)
	r := cfg.ValidateTiered()
	if r.HasFatals() {
		t.Fatalf("unexpected fatals: %v", r.Fatals)
	}
}

func TestValidate_MissingPassword(t *testing.T) {
	cfg := validConfig(t)
	cfg.Password = ""
	r := cfg.ValidateTiered()
	if !r.HasFatals() {
		t.Fatal("expected fatal for empty password")
	}
}

func TestValidate_MissingCert(t *testing.T) {
	cfg := validConfig(t)
	cfg.Cert = filepath.Join(t.TempDir(), "missing.pem")
	r := cfg.ValidateTiered()
	if !r.HasFatals() {
		t.Fatal("expected fatal for unreadable cert")
	}
}

func TestValidate_ZeroBitrate(t *testing.T) {
	cfg := validConfig(t)
	cfg.TargetBitrate = 0
	r := cfg.ValidateTiered()
	if !r.HasFatals() {
		t.Fatal("expected fatal for zero target_bitrate")
	}
}

func TestValidate_RegionPairing(t *testing.T) {
	cfg := validConfig(t)
	x := uint32(100)
	cfg.EndX = &x
	r := cfg.ValidateTiered()
	if !r.HasFatals() {
		t.Fatal("expected fatal when only endx is set")
	}

	cfg = validConfig(t)
	ex, ey := uint32(10), uint32(10)
	cfg.StartX, cfg.StartY = 20, 20
	cfg.EndX, cfg.EndY = &ex, &ey
	r = cfg.ValidateTiered()
	if !r.HasFatals() {
		t.Fatal("expected fatal for empty capture region")
	}
}

func TestValidate_VBVDefaulted(t *testing.T) {
	cfg := validConfig(t)
	cfg.VBVBufCapacity = 0
	r := cfg.ValidateTiered()
	if r.HasFatals() {
		t.Fatalf("unexpected fatals: %v", r.Fatals)
	}
	if cfg.VBVBufCapacity != 120 {
		t.Fatalf("expected vbv_buf_capacity clamped to 120, got %d", cfg.VBVBufCapacity)
	}
}

func TestValidate_FullChromaWithVAAPIWarns(t *testing.T) {
	cfg := validConfig(t)
	cfg.FullChroma = true
	cfg.VAAPI = true
	r := cfg.ValidateTiered()
	if r.HasFatals() {
		t.Fatalf("unexpected fatals: %v", r.Fatals)
	}
	if len(r.Warnings) == 0 {
		t.Fatal("expected a warning for full_chroma with vaapi")
	}
}
