package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/token"
)

// PolicyRule はパス接頭辞ごとのアクセス制御と転送先の定義。起動後は変更しない。
type PolicyRule struct {
	// PathPrefix は対象とするパスの接頭辞。パスセグメント単位で一致を判定する。
	PathPrefix string
	// RequiresAuth は有効なアクセストークンを要求するかどうか。
	RequiresAuth bool
	// RequiredRole は要求するロール。nilの場合はロールを問わない。
	RequiredRole *token.Role
	// AllowedMethods は許可するHTTPメソッド。空の場合はすべて許可する。
	AllowedMethods []string
	// Service は転送先サービスのID。
	Service string
	// Rewrite は転送先のパス接頭辞。PathPrefixをこの値に置き換える。
	Rewrite string
}

// matches はパスがルールの接頭辞にセグメント単位で一致するかを返す。
func (r PolicyRule) matches(path string) bool {
	if r.PathPrefix == "/" {
		return true
	}
	return path == r.PathPrefix || strings.HasPrefix(path, r.PathPrefix+"/")
}

// CleanPath は "." と ".." のセグメントを解決したパスを返す。末尾のスラッシュは保持する。
// ルールの照合と転送は解決後のパスに対して行う。
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// DownstreamPath は転送先のパスを返す。
func (r PolicyRule) DownstreamPath(path string) string {
	rest := strings.TrimPrefix(path, r.PathPrefix)
	if r.PathPrefix == "/" {
		rest = path
	}
	downstream := strings.TrimSuffix(r.Rewrite, "/") + rest
	if downstream == "" {
		return "/"
	}
	if !strings.HasPrefix(downstream, "/") {
		downstream = "/" + downstream
	}
	return downstream
}

// Table はルーティング表。最長一致でルールを選択する。
type Table struct {
	// rules は接頭辞の長い順に並べたルール。
	rules []PolicyRule
}

// NewTable はルールを検証してルーティング表を生成する。
// RequiredRoleが設定されたルールはRequiresAuthを強制的に有効にする。
// servicesに含まれないサービスを参照するルールはエラーになる。
func NewTable(rules []PolicyRule, services []Service) (*Table, error) {
	known := make(map[string]struct{}, len(services))
	for _, s := range services {
		known[s.ID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(rules))
	normalized := make([]PolicyRule, 0, len(rules))
	for _, r := range rules {
		r.PathPrefix = normalizePrefix(r.PathPrefix)
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return nil, fmt.Errorf("%w: パス接頭辞は / で始まる必要があります: %q", apperror.ErrConfiguration, r.PathPrefix)
		}
		if _, dup := seen[r.PathPrefix]; dup {
			return nil, fmt.Errorf("%w: パス接頭辞が重複しています: %q", apperror.ErrConfiguration, r.PathPrefix)
		}
		seen[r.PathPrefix] = struct{}{}

		if _, ok := known[r.Service]; !ok {
			return nil, fmt.Errorf("%w: %s の転送先サービス %q は未定義です", apperror.ErrConfiguration, r.PathPrefix, r.Service)
		}
		if r.RequiredRole != nil {
			if !r.RequiredRole.Valid() {
				return nil, fmt.Errorf("%w: %s のロール %q は未定義です", apperror.ErrConfiguration, r.PathPrefix, *r.RequiredRole)
			}
			r.RequiresAuth = true
		}

		methods := make([]string, 0, len(r.AllowedMethods))
		for _, m := range r.AllowedMethods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if !validMethod(m) {
				return nil, fmt.Errorf("%w: %s のメソッド %q は不正です", apperror.ErrConfiguration, r.PathPrefix, m)
			}
			methods = append(methods, m)
		}
		r.AllowedMethods = methods

		normalized = append(normalized, r)
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].PathPrefix) > len(normalized[j].PathPrefix)
	})
	return &Table{rules: normalized}, nil
}

// Match はパスに一致するルールのうち接頭辞が最も長いものを返す。
func (t *Table) Match(path string) (PolicyRule, bool) {
	for _, r := range t.rules {
		if r.matches(path) {
			return r, true
		}
	}
	return PolicyRule{}, false
}

// Rules は接頭辞の長い順に並んだルールの一覧を返す。
func (t *Table) Rules() []PolicyRule {
	return append([]PolicyRule(nil), t.rules...)
}

// normalizePrefix は接頭辞の前後の空白と末尾のスラッシュを取り除く。
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "/" {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

// validMethod は既知のHTTPメソッドかどうかを返す。
func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// roleRef はロールへのポインタを返す。
func roleRef(r token.Role) *token.Role {
	return &r
}

// DefaultRoutes は組み込みのルーティング表を返す。
func DefaultRoutes() []PolicyRule {
	lab := roleRef(token.RoleLaboratorista)
	recepcion := roleRef(token.RoleRecepcionista)
	readOnly := []string{http.MethodGet}

	return []PolicyRule{
		// 研究室（laboratoristaのみ）
		{PathPrefix: "/laboratorio/muestras", RequiresAuth: true, RequiredRole: lab, Service: ServiceLab, Rewrite: "/muestras"},
		{PathPrefix: "/laboratorio/clasificaciones", RequiresAuth: true, RequiredRole: lab, Service: ServiceLab, Rewrite: "/clasificaciones"},
		{PathPrefix: "/laboratorio/asistente", RequiresAuth: true, RequiredRole: lab, Service: ServiceLab, Rewrite: "/asistente"},
		{PathPrefix: "/laboratorio/estadisticas", RequiresAuth: true, RequiredRole: lab, Service: ServiceLab, Rewrite: "/estadisticas"},

		// 受付（recepcionistaのみ）
		{PathPrefix: "/recepcion/paquetes", RequiresAuth: true, RequiredRole: recepcion, Service: ServiceRecepcion, Rewrite: "/paquetes"},
		{PathPrefix: "/recepcion/conglomerados", RequiresAuth: true, RequiredRole: recepcion, Service: ServiceRecepcion, Rewrite: "/conglomerados"},

		// 標本館管理（認証済みユーザーの参照のみ）
		{PathPrefix: "/herbario/taxonomia", RequiresAuth: true, AllowedMethods: readOnly, Service: ServiceGestion, Rewrite: "/taxonomia"},
		{PathPrefix: "/herbario/herbarios", RequiresAuth: true, AllowedMethods: readOnly, Service: ServiceGestion, Rewrite: "/herbarios"},
		{PathPrefix: "/herbario/ubicaciones", RequiresAuth: true, AllowedMethods: readOnly, Service: ServiceGestion, Rewrite: "/ubicaciones"},

		// 公開
		{PathPrefix: "/publico/estadisticas", AllowedMethods: readOnly, Service: ServiceGestion, Rewrite: "/estadisticas/resumen"},
		{PathPrefix: "/publico/taxonomia", AllowedMethods: readOnly, Service: ServiceGestion, Rewrite: "/taxonomia/buscar"},
	}
}

// routeFile はルーティング表YAMLファイルの形式。
type routeFile struct {
	Routes []routeEntry `yaml:"routes"`
}

// routeEntry はルーティング表YAMLファイルの1ルール。
type routeEntry struct {
	Prefix  string   `yaml:"prefix"`
	Auth    bool     `yaml:"auth"`
	Role    string   `yaml:"role"`
	Methods []string `yaml:"methods"`
	Service string   `yaml:"service"`
	Rewrite string   `yaml:"rewrite"`
}

// ParseRoutes はYAML形式のルーティング表を解析する。
func ParseRoutes(data []byte) ([]PolicyRule, error) {
	var f routeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: ルーティング表の解析に失敗: %v", apperror.ErrConfiguration, err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("%w: ルーティング表にルールがありません", apperror.ErrConfiguration)
	}

	rules := make([]PolicyRule, 0, len(f.Routes))
	for _, e := range f.Routes {
		rule := PolicyRule{
			PathPrefix:     e.Prefix,
			RequiresAuth:   e.Auth,
			AllowedMethods: e.Methods,
			Service:        e.Service,
			Rewrite:        e.Rewrite,
		}
		if e.Role != "" {
			role, err := token.ParseRole(e.Role)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", apperror.ErrConfiguration, e.Prefix, err)
			}
			rule.RequiredRole = &role
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRoutes はルーティング表を読み込む。pathが空の場合は組み込みの表を返す。
func LoadRoutes(path string) ([]PolicyRule, error) {
	if path == "" {
		return DefaultRoutes(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: ルーティング表 %s が見つかりません", apperror.ErrConfiguration, path)
		}
		return nil, fmt.Errorf("ルーティング表の読み込みに失敗: %w", err)
	}
	return ParseRoutes(data)
}
