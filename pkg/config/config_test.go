package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// sample は読み込みを検証するための設定。
type sample struct {
	Port    string        `env:"HERBARIO_TEST_PORT" envDefault:"3000"`
	Issuer  string        `env:"HERBARIO_TEST_ISSUER" envDefault:"ideam"`
	Timeout time.Duration `env:"HERBARIO_TEST_TIMEOUT" envDefault:"5s"`
}

// TestLoad は .env ファイルと環境変数の読み込みを検証する。
// 環境変数を書き換えるため並行実行しない。
func TestLoad(t *testing.T) {
	t.Run(".envの値を読み込み、既存の環境変数は上書きしないこと", func(t *testing.T) {
		for _, name := range []string{"HERBARIO_TEST_PORT", "HERBARIO_TEST_ISSUER", "HERBARIO_TEST_TIMEOUT"} {
			t.Setenv(name, "")
			_ = os.Unsetenv(name)
		}
		t.Setenv("HERBARIO_TEST_ISSUER", "desde-entorno")

		path := filepath.Join(t.TempDir(), ".env")
		data := "HERBARIO_TEST_ISSUER=desde-archivo\nHERBARIO_TEST_TIMEOUT=750ms\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatalf(".envの書き込みに失敗: %v", err)
		}

		var cfg sample
		if err := Load(path, &cfg); err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "3000" {
			t.Errorf("Port = %q, want %q", cfg.Port, "3000")
		}
		if cfg.Issuer != "desde-entorno" {
			t.Errorf("Issuer = %q, want %q", cfg.Issuer, "desde-entorno")
		}
		if cfg.Timeout != 750*time.Millisecond {
			t.Errorf("Timeout = %v, want %v", cfg.Timeout, 750*time.Millisecond)
		}
	})

	t.Run(".envがなければ環境変数だけを使うこと", func(t *testing.T) {
		t.Setenv("HERBARIO_TEST_PORT", "8080")

		var cfg sample
		if err := Load(filepath.Join(t.TempDir(), "missing.env"), &cfg); err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want %q", cfg.Port, "8080")
		}
	})

	t.Run("型に合わない値はエラー", func(t *testing.T) {
		t.Setenv("HERBARIO_TEST_TIMEOUT", "pronto")

		var cfg sample
		if err := Load("", &cfg); err == nil {
			t.Error("不正なdurationでエラーにならない")
		}
	})
}
