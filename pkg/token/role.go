package token

import "fmt"

// Role はユーザーのロールを表す。定義済みの値以外は受け付けない。
type Role string

const (
	// RoleConsulta は閲覧のみを行う一般ユーザー。
	RoleConsulta Role = "consulta"
	// RoleRecepcionista は標本パッケージの受付を担当する。
	RoleRecepcionista Role = "recepcionista"
	// RoleLaboratorista は標本の分類・解析を担当する。
	RoleLaboratorista Role = "laboratorista"
)

// Roles は定義済みのロール一覧。
var Roles = []Role{RoleConsulta, RoleRecepcionista, RoleLaboratorista}

// ParseRole は文字列をRoleに変換する。未定義の値はエラーになる。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("未定義のロール: %q", s)
	}
	return r, nil
}

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleConsulta, RoleRecepcionista, RoleLaboratorista:
		return true
	default:
		return false
	}
}

// String はロール名を返す。
func (r Role) String() string {
	return string(r)
}

// UnmarshalText は未定義のロールを拒否する。
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
