// Package auth は認証サービスの内部実装を提供する。
//
// ユーザーの登録とログインを受け付け、ログインに成功したユーザーに
// 署名付きのアクセストークンを発行する。検証側（Gateway）が署名を
// 確認できるよう、公開鍵を JWKS として /.well-known/jwks.json で公開する。
// ユーザーはSQLiteに保存し、パスワードはbcryptでハッシュ化する。
package auth
