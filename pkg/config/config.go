// Package config は環境変数から各サービスの設定を読み込む。
//
// 起動時に .env ファイルがあれば先に読み込み、その後 env タグに従って
// 構造体へ値を展開する。既に設定済みの環境変数は .env で上書きしない。
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load はdotenvPathの .env ファイルを読み込んだ後、環境変数をtargetに展開する。
// dotenvPathが空、またはファイルが存在しない場合は環境変数のみを使用する。
func Load(dotenvPath string, target any) error {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
		}
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	return nil
}
