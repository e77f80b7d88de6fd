// 認証サービスのエントリポイント。
// ユーザーの登録とログイン、アクセストークンの発行、JWKSの公開を担当する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/herbario/internal/auth"
	"github.com/nao1215/herbario/pkg/config"
	"github.com/nao1215/herbario/pkg/logging"
)

func main() {
	var cfg auth.Config
	if err := config.Load(".env", &cfg); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New("auth", cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの生成に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := auth.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("認証サーバーの初期化に失敗", zap.Error(err))
	}

	runErr := server.Run(ctx)
	if err := server.Close(); err != nil {
		logger.Warn("データベースのクローズに失敗", zap.Error(err))
	}
	if runErr != nil {
		logger.Fatal("認証サービスの実行に失敗", zap.Error(runErr))
	}
}
