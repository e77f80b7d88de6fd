package keys

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nao1215/herbario/pkg/apperror"
)

// generatePEM はテスト用の鍵ペアPEMを生成する。
func generatePEM(t *testing.T, alg string) (string, string) {
	t.Helper()

	priv, pub, err := Generate(alg)
	if err != nil {
		t.Fatalf("鍵の生成に失敗: %v", err)
	}
	return string(priv), string(pub)
}

// publicJWKMembers は公開JWKをJSONにしたときのメンバーを返す。
func publicJWKMembers(t *testing.T, kp *Keypair) map[string]any {
	t.Helper()

	b, err := json.Marshal(kp.PublicJWK)
	if err != nil {
		t.Fatalf("公開JWKのシリアライズに失敗: %v", err)
	}
	var members map[string]any
	if err := json.Unmarshal(b, &members); err != nil {
		t.Fatalf("公開JWKのパースに失敗: %v", err)
	}
	return members
}

// TestManagerInitialize は鍵ペアの初期化を検証する。
func TestManagerInitialize(t *testing.T) {
	t.Parallel()

	t.Run("秘密鍵から公開JWKとkidを導出できること", func(t *testing.T) {
		t.Parallel()

		priv, _ := generatePEM(t, "ES256")
		m := NewManager(Config{PrivateKeyPEM: priv, Algorithm: "ES256"}, nil)

		kp, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		if kp.KID == "" {
			t.Fatal("kidが空")
		}

		want, err := Thumbprint(kp.PublicJWK)
		if err != nil {
			t.Fatalf("サムプリントの計算に失敗: %v", err)
		}
		if kp.KID != want {
			t.Errorf("KID = %q, want %q", kp.KID, want)
		}

		members := publicJWKMembers(t, kp)
		if members["kid"] != kp.KID {
			t.Errorf("jwk.kid = %v, want %q", members["kid"], kp.KID)
		}
		if members["alg"] != "ES256" {
			t.Errorf("jwk.alg = %v, want %q", members["alg"], "ES256")
		}
		if members["use"] != "sig" {
			t.Errorf("jwk.use = %v, want %q", members["use"], "sig")
		}
		if members["kty"] != "EC" || members["crv"] != "P-256" {
			t.Errorf("jwk kty/crv = %v/%v, want EC/P-256", members["kty"], members["crv"])
		}
	})

	t.Run("導出した公開JWKに秘密成分が含まれないこと", func(t *testing.T) {
		t.Parallel()

		for _, alg := range []string{"ES256", "RS256", "EdDSA"} {
			priv, _ := generatePEM(t, alg)
			kp, err := NewManager(Config{PrivateKeyPEM: priv, Algorithm: alg}, nil).Initialize(context.Background())
			if err != nil {
				t.Fatalf("%s: Initialize()でエラーが発生: %v", alg, err)
			}
			members := publicJWKMembers(t, kp)
			for _, private := range []string{"d", "p", "q", "dp", "dq", "qi"} {
				if _, ok := members[private]; ok {
					t.Errorf("%s: 公開JWKに %q が含まれている", alg, private)
				}
			}
		}
	})

	t.Run("2回目以降は同じ鍵ペアを返すこと", func(t *testing.T) {
		t.Parallel()

		priv, _ := generatePEM(t, "ES256")
		m := NewManager(Config{PrivateKeyPEM: priv}, nil)

		first, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		second, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		if first != second {
			t.Error("2回目の呼び出しで別の鍵ペアが返された")
		}
	})

	t.Run("同時に呼び出しても全員が同じkidを観測すること", func(t *testing.T) {
		t.Parallel()

		priv, _ := generatePEM(t, "ES256")
		m := NewManager(Config{PrivateKeyPEM: priv}, nil)

		const callers = 64
		results := make([]*Keypair, callers)
		errs := make([]error, callers)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results[i], errs[i] = m.Initialize(context.Background())
			}()
		}
		close(start)
		wg.Wait()

		for i := range callers {
			if errs[i] != nil {
				t.Fatalf("caller %d: Initialize()でエラーが発生: %v", i, errs[i])
			}
			if results[i] != results[0] {
				t.Errorf("caller %d: 別の鍵ペアが返された", i)
			}
			if results[i].KID != results[0].KID {
				t.Errorf("caller %d: KID = %q, want %q", i, results[i].KID, results[0].KID)
			}
		}
	})

	t.Run("同じ鍵素材からは常に同じkidが導出されること", func(t *testing.T) {
		t.Parallel()

		priv, _ := generatePEM(t, "RS256")
		a, err := NewManager(Config{PrivateKeyPEM: priv, Algorithm: "RS256"}, nil).Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		b, err := NewManager(Config{PrivateKeyPEM: priv, Algorithm: "RS256"}, nil).Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		if a.KID != b.KID {
			t.Errorf("KID = %q, want %q", a.KID, b.KID)
		}
	})

	t.Run("対応する公開鍵PEMを指定した場合は導出時と同じkidになること", func(t *testing.T) {
		t.Parallel()

		priv, pub := generatePEM(t, "ES256")
		derived, err := NewManager(Config{PrivateKeyPEM: priv}, nil).Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		imported, err := NewManager(Config{PrivateKeyPEM: priv, PublicKeyPEM: pub}, nil).Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}
		if derived.KID != imported.KID {
			t.Errorf("KID = %q, want %q", imported.KID, derived.KID)
		}
	})
}

// TestManagerInitializeErrors は初期化失敗時の振る舞いを検証する。
func TestManagerInitializeErrors(t *testing.T) {
	t.Parallel()

	privES, _ := generatePEM(t, "ES256")
	_, otherPub := generatePEM(t, "ES256")
	privRS, _ := generatePEM(t, "RS256")

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "秘密鍵が未設定", cfg: Config{Algorithm: "ES256"}},
		{name: "秘密鍵が解析できない", cfg: Config{PrivateKeyPEM: "not a pem", Algorithm: "ES256"}},
		{name: "公開鍵が秘密鍵と対応しない", cfg: Config{PrivateKeyPEM: privES, PublicKeyPEM: otherPub, Algorithm: "ES256"}},
		{name: "鍵種別とアルゴリズムが一致しない", cfg: Config{PrivateKeyPEM: privRS, Algorithm: "ES256"}},
		{name: "曲線とアルゴリズムが一致しない", cfg: Config{PrivateKeyPEM: privES, Algorithm: "ES384"}},
		{name: "共通鍵アルゴリズム", cfg: Config{PrivateKeyPEM: privES, Algorithm: "HS256"}},
		{name: "秘密鍵の代わりに公開鍵", cfg: Config{PrivateKeyPEM: otherPub, Algorithm: "ES256"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := NewManager(tt.cfg, nil)
			_, err := m.Initialize(context.Background())
			if !errors.Is(err, apperror.ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
			if _, err := m.Current(); !errors.Is(err, ErrNotInitialized) {
				t.Errorf("失敗後のCurrent() err = %v, want ErrNotInitialized", err)
			}
		})
	}
}

// TestManagerJWKS はJWK Setの公開を検証する。
func TestManagerJWKS(t *testing.T) {
	t.Parallel()

	t.Run("初期化前はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		m := NewManager(Config{}, nil)
		if _, err := m.JWKS(); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("err = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("初期化後は鍵を1つ含むこと", func(t *testing.T) {
		t.Parallel()

		priv, _ := generatePEM(t, "ES256")
		m := NewManager(Config{PrivateKeyPEM: priv}, nil)
		kp, err := m.Initialize(context.Background())
		if err != nil {
			t.Fatalf("Initialize()でエラーが発生: %v", err)
		}

		set, err := m.JWKS()
		if err != nil {
			t.Fatalf("JWKS()でエラーが発生: %v", err)
		}
		if set.Len() != 1 {
			t.Fatalf("Len() = %d, want 1", set.Len())
		}
		if _, ok := set.LookupKeyID(kp.KID); !ok {
			t.Errorf("kid %q がJWK Setに含まれていない", kp.KID)
		}
	})
}

// TestManagerInitializeCanceled はコンテキストのキャンセルを検証する。
func TestManagerInitializeCanceled(t *testing.T) {
	t.Parallel()

	priv, _ := generatePEM(t, "ES256")
	m := NewManager(Config{PrivateKeyPEM: priv}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// キャンセル済みでも初期化済みであれば鍵ペアを返す
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize()でエラーが発生: %v", err)
	}
	if _, err := m.Initialize(ctx); err != nil {
		t.Errorf("初期化済みのInitialize() err = %v, want nil", err)
	}
}

// TestParseAlgorithm はアルゴリズム名の検証を確認する。
func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"ES256", "ES384", "ES512", "RS256", "PS256", "EdDSA"} {
		if _, err := ParseAlgorithm(name); err != nil {
			t.Errorf("ParseAlgorithm(%q) err = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", "none", "HS256", "es256"} {
		if _, err := ParseAlgorithm(name); !errors.Is(err, apperror.ErrConfiguration) {
			t.Errorf("ParseAlgorithm(%q) err = %v, want ErrConfiguration", name, err)
		}
	}
}
