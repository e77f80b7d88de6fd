// Package keys はトークン署名用の非対称鍵ペアのライフサイクルを管理する。
//
// PEM形式の秘密鍵（必要なら公開鍵も）を読み込み、公開JWKと
// そのSHA-256サムプリント（kid）を導出する。初期化はプロセス内で一度だけ行われ、
// 同時に呼ばれた初期化はすべて同じ処理の完了を待つ。
// 初期化後の鍵ペアは不変であり、kidはプロセスの生存期間中変わらない。
package keys
