package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("X_STR", "  value  ")
	if got := EnvString("X_STR", "def"); got != "value" {
		t.Fatalf("EnvString = %q, want trimmed value", got)
	}
	t.Setenv("X_STR", "")
	if got := EnvString("X_STR", "def"); got != "def" {
		t.Fatalf("EnvString empty = %q, want default", got)
	}
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		raw  string
		def  bool
		want bool
	}{
		{raw: "true", def: false, want: true},
		{raw: "0", def: true, want: false},
		{raw: "", def: true, want: true},
		{raw: "nonsense", def: false, want: false},
	}
	for _, tc := range cases {
		t.Setenv("X_BOOL", tc.raw)
		if got := EnvBool("X_BOOL", tc.def); got != tc.want {
			t.Fatalf("EnvBool(%q, %v) = %v, want %v", tc.raw, tc.def, got, tc.want)
		}
	}
}

func TestEnvInt(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{raw: "42", want: 42},
		{raw: "", want: 7},
		{raw: "-3", want: 7},
		{raw: "0", want: 7},
		{raw: "abc", want: 7},
	}
	for _, tc := range cases {
		t.Setenv("X_INT", tc.raw)
		if got := EnvInt("X_INT", 7); got != tc.want {
			t.Fatalf("EnvInt(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestEnvDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "2m", want: 2 * time.Minute},
		{raw: "", want: time.Second},
		{raw: "-5s", want: time.Second},
		{raw: "soon", want: time.Second},
	}
	for _, tc := range cases {
		t.Setenv("X_DUR", tc.raw)
		if got := EnvDuration("X_DUR", time.Second); got != tc.want {
			t.Fatalf("EnvDuration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"SHUTTLECHAT_HTTP_ADDR",
		"SHUTTLECHAT_LOG_LEVEL",
		"SHUTTLECHAT_DATABASE_URL",
		"SHUTTLECHAT_DB_SCHEMA",
		"SHUTTLECHAT_REDIS_URL",
		"SHUTTLECHAT_PRESENCE_WINDOW",
		"SHUTTLECHAT_READINESS_REQUIRE_DB",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.DBSchema != "shuttlechat" {
		t.Fatalf("DBSchema = %q", cfg.DBSchema)
	}
	if cfg.PresenceWindow != 90*time.Second {
		t.Fatalf("PresenceWindow = %v", cfg.PresenceWindow)
	}
	if cfg.ReadinessRequireDB {
		t.Fatal("ReadinessRequireDB should default to false")
	}

	t.Setenv("SHUTTLECHAT_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("SHUTTLECHAT_PRESENCE_WINDOW", "3m")
	cfg = LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Fatalf("HTTPAddr override = %q", cfg.HTTPAddr)
	}
	if cfg.PresenceWindow != 3*time.Minute {
		t.Fatalf("PresenceWindow override = %v", cfg.PresenceWindow)
	}
}
