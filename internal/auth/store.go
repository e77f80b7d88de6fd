package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/migration"
	"github.com/nao1215/herbario/pkg/token"
)

// migrations はユーザーテーブルのスキーマ。
//
//go:embed migrations/*.sql
var migrations embed.FS

// memoryPath はインメモリデータベースを表すパス。
const memoryPath = ":memory:"

// ErrUserNotFound は指定したメールアドレスのユーザーが存在しないことを表す。
var ErrUserNotFound = errors.New("ユーザーが見つかりません")

// User は登録済みのユーザー。
type User struct {
	// ID はユーザーの一意識別子。トークンのsubになる。
	ID string
	// Email は小文字に正規化したメールアドレス。
	Email string
	// PasswordHash はbcryptでハッシュ化したパスワード。
	PasswordHash string
	// Nombres は名。
	Nombres string
	// Apellidos は姓。
	Apellidos string
	// Role はユーザーのロール。
	Role token.Role
	// HerbarioID は所属する標本館のID。所属がなければnil。
	HerbarioID *string
	// CreatedAt は登録日時。
	CreatedAt time.Time
}

// DisplayName は表示用の氏名を返す。
func (u User) DisplayName() string {
	return strings.TrimSpace(u.Nombres + " " + u.Apellidos)
}

// Store はSQLiteに保存されたユーザーを扱う。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// OpenStore はSQLiteデータベースを開き、スキーマを適用する。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: データベースのパスが設定されていません", apperror.ErrConfiguration)
	}

	dsn := path
	if path != memoryPath {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == memoryPath {
		// インメモリDBは接続ごとに別のデータベースになる
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser はユーザーを保存する。メールアドレスが登録済みの場合は apperror.ErrConflict を返す。
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, nombres, apellidos, rol, herbario_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, normalizeEmail(u.Email), u.PasswordHash, u.Nombres, u.Apellidos,
		string(u.Role), u.HerbarioID, u.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ユーザーの保存に失敗: %w", apperror.ErrConflict)
		}
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合は ErrUserNotFound を返す。
func (s *Store) FindByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, nombres, apellidos, rol, herbario_id, created_at
		FROM users WHERE email = ?`,
		normalizeEmail(email),
	)

	var (
		u          User
		role       string
		herbarioID sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Nombres, &u.Apellidos, &role, &herbarioID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}

	parsed, err := token.ParseRole(role)
	if err != nil {
		return User{}, fmt.Errorf("ユーザー %s のロールが不正: %w", u.ID, err)
	}
	u.Role = parsed
	if herbarioID.Valid {
		u.HerbarioID = &herbarioID.String
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return u, nil
}

// normalizeEmail はメールアドレスを比較用に正規化する。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// isUniqueViolation は一意制約違反かどうかを返す。
func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
