package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/nimburion/txrunner/pkg/transaction"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.Name != "txctl" {
		t.Errorf("expected service name txctl, got %s", cfg.Service.Name)
	}
	if cfg.Database.QueryTimeout != 10*time.Second {
		t.Errorf("expected query timeout 10s, got %v", cfg.Database.QueryTimeout)
	}
	if cfg.Transaction.Propagation != "required" {
		t.Errorf("expected required propagation, got %s", cfg.Transaction.Propagation)
	}
	if cfg.Observability.LogLevel != "info" || cfg.Observability.LogFormat != "json" {
		t.Errorf("unexpected log defaults %s/%s", cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
}

func TestViperLoader_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "config.yaml", `
service:
  name: importer
database:
  type: sqlite
  url: file:from-file.db
  query_timeout: 3s
transaction:
  name: nightly
  isolation: serializable
  timeout: 30s
`)
	t.Setenv("TXR_DATABASE_URL", "file:from-env.db")
	t.Setenv("TXR_TX_READ_ONLY", "true")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--tx-name=override", "--tx-timeout=5s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := NewViperLoader(file, "TXR").WithFlags(flags).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Service.Name != "importer" {
		t.Errorf("file value lost: %s", cfg.Service.Name)
	}
	if cfg.Database.URL != "file:from-env.db" {
		t.Errorf("env must override file, got %s", cfg.Database.URL)
	}
	if cfg.Database.QueryTimeout != 3*time.Second {
		t.Errorf("unexpected query timeout %v", cfg.Database.QueryTimeout)
	}
	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("default lost: %d", cfg.Database.MaxOpenConns)
	}
	if !cfg.Transaction.ReadOnly {
		t.Error("expected read_only from env")
	}
	if cfg.Transaction.Name != "override" || cfg.Transaction.Timeout != 5*time.Second {
		t.Errorf("flags must override everything, got %s/%v", cfg.Transaction.Name, cfg.Transaction.Timeout)
	}
}

func TestViperLoader_MissingFile(t *testing.T) {
	if _, err := NewViperLoader(filepath.Join(t.TempDir(), "absent.yaml"), "").Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestViperLoader_ValidationFailure(t *testing.T) {
	t.Setenv("TXR_DATABASE_TYPE", "postgres")
	_, err := NewViperLoader("", "TXR").Load()
	if err == nil || !strings.Contains(err.Error(), "database.url is required") {
		t.Fatalf("expected url validation error, got %v", err)
	}
}

func TestViperLoader_CustomPrefix(t *testing.T) {
	t.Setenv("BATCH_TX_NAME", "custom")
	cfg, err := NewViperLoader("", "batch").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transaction.Name != "custom" {
		t.Errorf("expected prefixed env to apply, got %q", cfg.Transaction.Name)
	}
}

func TestLoadWithSecrets_SiblingFileIsMergedAndRedacted(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "config.yaml", "database:\n  type: postgres\n  url: postgres://placeholder\n")
	writeFile(t, dir, "secrets.yaml", "database:\n  url: postgres://app:s3cret@db:5432/app\n")

	cfg, secrets, err := NewViperLoader(file, "TXR").LoadWithSecrets()
	if err != nil {
		t.Fatalf("LoadWithSecrets: %v", err)
	}
	if cfg.Database.URL != "postgres://app:s3cret@db:5432/app" {
		t.Errorf("secrets must override file, got %s", cfg.Database.URL)
	}
	if secrets == nil || secrets.Database.URL == "" {
		t.Fatal("expected secrets config")
	}

	out := cfg.Redacted(secrets)
	if strings.Contains(out, "s3cret") {
		t.Errorf("secret leaked in redacted output:\n%s", out)
	}
	if !strings.Contains(out, "url: ***") || !strings.Contains(out, "type: postgres") {
		t.Errorf("unexpected redacted output:\n%s", out)
	}
}

func TestLoadWithSecrets_ExplicitEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TXR_SECRETS_FILE", filepath.Join(dir, "missing.yaml"))
	if _, _, err := NewViperLoader("", "TXR").LoadWithSecrets(); err == nil {
		t.Fatal("expected error for inaccessible secrets file")
	}

	t.Setenv("TXR_SECRETS_FILE", dir)
	if _, _, err := NewViperLoader("", "TXR").LoadWithSecrets(); err == nil {
		t.Fatal("expected error for directory secrets file")
	}

	secrets := writeFile(t, dir, "s.json", `{"database": {"url": "file:secret.db"}}`)
	t.Setenv("TXR_SECRETS_FILE", secrets)
	cfg, _, err := NewViperLoader("", "TXR").LoadWithSecrets()
	if err != nil {
		t.Fatalf("LoadWithSecrets: %v", err)
	}
	if cfg.Database.URL != "file:secret.db" {
		t.Errorf("unexpected url %s", cfg.Database.URL)
	}
}

func TestConfig_Definition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transaction = TransactionConfig{
		Name:        "audit",
		Isolation:   "repeatable_read",
		ReadOnly:    true,
		Timeout:     time.Minute,
		Propagation: "requires_new",
	}

	def, err := cfg.Definition()
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	want := transaction.Definition{
		Name:        "audit",
		Isolation:   sql.LevelRepeatableRead,
		ReadOnly:    true,
		Timeout:     time.Minute,
		Propagation: transaction.PropagationRequiresNew,
	}
	if def != want {
		t.Errorf("got %+v want %+v", def, want)
	}
}

func TestRegisterFlags_Idempotent(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	RegisterFlags(flags)

	for _, name := range []string{"database-type", "database-url", "tx-name", "isolation", "read-only", "tx-timeout", "log-level", "metrics"} {
		if flags.Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
}

func TestApplyFlags_InvalidValue(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--isolation=chaos"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := NewViperLoader("", "TXR").WithFlags(flags).Load(); err == nil {
		t.Fatal("expected invalid isolation to fail validation")
	}
}
