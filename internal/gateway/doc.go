// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
// ルーティング表（PolicyRule）に従ってリクエストごとに
// 認証・ロールによる認可・メソッド制限を順に適用し、通過したリクエストだけを
// 転送先サービス（研究室・受付・標本館管理）に転送する。
// 各サービスの稼働状況をまとめて確認するヘルスチェックも提供する。
package gateway
