// Package middleware はゲートウェイと認証サービスで使用する共通のGinミドルウェアを提供する。
//
// アクセストークンの検証とロール・メソッドによる制限（ポリシーゲートの各段階）、
// リクエストログ、パニックリカバリ、レート制限、CORS設定を含む。
//
// RequireAuth, RequireRole, AllowMethods は c.Next() を呼ばない。
// ルートのミドルウェアとして登録しても、ゲートから順に呼び出しても同じように動作し、
// 拒否した場合は c.IsAborted() が true になる。
package middleware
