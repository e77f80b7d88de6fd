// API Gatewayサービスのエントリポイント。
// アクセストークンの検証、ルーティング表に従った認可、各サービスへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/herbario/internal/gateway"
	"github.com/nao1215/herbario/pkg/config"
	"github.com/nao1215/herbario/pkg/logging"
)

func main() {
	var cfg gateway.Config
	if err := config.Load(".env", &cfg); err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New("gateway", cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの生成に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	verifier, err := gateway.NewVerifier(cfg, logger)
	if err != nil {
		logger.Fatal("トークン検証の設定に失敗", zap.Error(err))
	}

	server, err := gateway.NewServer(cfg, verifier, logger)
	if err != nil {
		logger.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Fatal("Gatewayサービスの実行に失敗", zap.Error(err))
	}
}
