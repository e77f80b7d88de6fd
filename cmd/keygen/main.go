// 署名鍵ペアを生成するコマンド。
// 認証サービスの JWT_PRIVATE_KEY_PEM とGatewayの JWT_PUBLIC_KEY_PEM に設定する鍵を出力する。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nao1215/herbario/pkg/keys"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// options はkeygenのフラグ。
type options struct {
	// alg は署名アルゴリズム。
	alg string
	// outDir は鍵を書き出すディレクトリ。空の場合は標準出力に出す。
	outDir string
	// env は .env に貼り付けられる1行形式で出力するかどうか。
	env bool
}

// newRootCmd はkeygenのルートコマンドを生成する。
func newRootCmd(out io.Writer) *cobra.Command {
	opts := options{alg: envOr("JWT_ALG", keys.DefaultAlgorithm)}

	cmd := &cobra.Command{
		Use:          "keygen",
		Short:        "JWT署名用の鍵ペアを生成する",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), out, opts)
		},
	}
	cmd.SetOut(out)
	cmd.Flags().StringVar(&opts.alg, "alg", opts.alg, "署名アルゴリズム（ES256, RS256, EdDSA など。env JWT_ALG）")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", "", "private.pem と public.pem を書き出すディレクトリ")
	cmd.Flags().BoolVar(&opts.env, "env", false, ".env 形式（改行を \\n にエスケープ）で出力する")
	return cmd
}

// run は鍵ペアを生成して出力する。
func run(ctx context.Context, out io.Writer, opts options) error {
	privPEM, pubPEM, err := keys.Generate(opts.alg)
	if err != nil {
		return err
	}

	kp, err := keys.NewManager(keys.Config{
		PrivateKeyPEM: string(privPEM),
		PublicKeyPEM:  string(pubPEM),
		Algorithm:     opts.alg,
	}, nil).Initialize(ctx)
	if err != nil {
		return fmt.Errorf("生成した鍵の検証に失敗: %w", err)
	}

	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0o700); err != nil {
			return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
		}
		privPath := filepath.Join(opts.outDir, "private.pem")
		pubPath := filepath.Join(opts.outDir, "public.pem")
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			return fmt.Errorf("秘密鍵の書き込みに失敗: %w", err)
		}
		if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
			return fmt.Errorf("公開鍵の書き込みに失敗: %w", err)
		}
		_, err := fmt.Fprintf(out, "JWT_ALG=%s\nkid=%s\n%s\n%s\n", kp.Algorithm, kp.KID, privPath, pubPath)
		return err
	}

	if opts.env {
		_, err := fmt.Fprintf(out, "JWT_ALG=%s\nJWT_PRIVATE_KEY_PEM=\"%s\"\nJWT_PUBLIC_KEY_PEM=\"%s\"\n# kid=%s\n",
			kp.Algorithm, escapeNewlines(privPEM), escapeNewlines(pubPEM), kp.KID)
		return err
	}

	_, err = fmt.Fprintf(out, "# alg=%s kid=%s\n%s\n%s", kp.Algorithm, kp.KID, privPEM, pubPEM)
	return err
}

// escapeNewlines はPEMを1行にする。
func escapeNewlines(pem []byte) string {
	return strings.ReplaceAll(strings.TrimSpace(string(pem)), "\n", `\n`)
}

// envOr は環境変数の値を返す。未設定の場合はdefを返す。
func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}
