package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

// openMemoryDB はテスト用のインメモリSQLiteを開く。
func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("データベースのオープンに失敗: %v", err)
	}
	// インメモリDBは接続ごとに別のデータベースになる
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// count はクエリの結果の件数を返す。
func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()

	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("クエリに失敗: %v", err)
	}
	return n
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("バージョン順に適用し、再実行ではスキップすること", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		fsys := fstest.MapFS{
			"migrations/000002_add_index.up.sql":      {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
			"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL);")},
			"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
			"migrations/README.md":                    {Data: []byte("not a migration")},
		}

		if err := Run(ctx, db, fsys, "migrations", zaptest.NewLogger(t)); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if err := Run(ctx, db, fsys, "migrations", zaptest.NewLogger(t)); err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}

		if n := count(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 2 {
			t.Errorf("適用済みの件数 = %d, want 2", n)
		}
		if n := count(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_items_name'"); n != 1 {
			t.Error("インデックスが作成されていない")
		}
	})

	t.Run("失敗したマイグレーションは記録しないこと", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		bad := fstest.MapFS{
			"m/000001_create.up.sql": {Data: []byte("CREAT TABLE things (id INTEGER);")},
		}
		if err := Run(ctx, db, bad, "m", nil); err == nil {
			t.Fatal("不正なSQLでエラーにならない")
		}
		if n := count(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 0 {
			t.Errorf("適用済みの件数 = %d, want 0", n)
		}

		good := fstest.MapFS{
			"m/000001_create.up.sql": {Data: []byte("CREATE TABLE things (id INTEGER PRIMARY KEY);")},
		}
		if err := Run(ctx, db, good, "m", nil); err != nil {
			t.Fatalf("修正後のRun()でエラーが発生: %v", err)
		}
		if n := count(t, db, "SELECT COUNT(*) FROM schema_migrations"); n != 1 {
			t.Errorf("適用済みの件数 = %d, want 1", n)
		}
	})

	t.Run("バージョンが重複するとエラー", func(t *testing.T) {
		t.Parallel()

		db := openMemoryDB(t)
		fsys := fstest.MapFS{
			"m/000001_a.up.sql": {Data: []byte("CREATE TABLE a (id INTEGER);")},
			"m/000001_b.up.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
		}
		if err := Run(ctx, db, fsys, "m", nil); err == nil {
			t.Error("重複したバージョンでエラーにならない")
		}
	})
}
