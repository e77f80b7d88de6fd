// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイが背後のサービスにヘルスチェックを送る場合や、
// 認証サービスのJWKSを取得する場合に使用する。
// すべてのリクエストにはクライアント単位のタイムアウトが適用される。
package httpclient
