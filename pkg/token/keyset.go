package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/httpclient"
	"github.com/nao1215/herbario/pkg/keys"
)

// ErrUnknownKey はkidに対応する鍵がJWKSに存在しないことを表す。
var ErrUnknownKey = errors.New("kidに対応する鍵がありません")

// StaticKeySet は設定された1つの公開鍵で検証する。kidは参照しない。
type StaticKeySet struct {
	// key は検証用の公開鍵。
	key any
	// kid は公開鍵のサムプリント。ログ出力用。
	kid string
}

// NewStaticKeySet はPEM形式の公開鍵からStaticKeySetを生成する。
func NewStaticKeySet(publicKeyPEM string) (*StaticKeySet, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return nil, fmt.Errorf("%w: 公開鍵が設定されていません", apperror.ErrConfiguration)
	}
	parsed, err := jwk.ParseKey([]byte(publicKeyPEM), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("%w: 公開鍵の解析に失敗: %v", apperror.ErrConfiguration, err)
	}
	pub, err := jwk.PublicKeyOf(parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: 公開鍵の取り出しに失敗: %v", apperror.ErrConfiguration, err)
	}
	kid, err := keys.Thumbprint(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: kidの計算に失敗: %v", apperror.ErrConfiguration, err)
	}
	var raw any
	if err := pub.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: 公開鍵の取り出しに失敗: %v", apperror.ErrConfiguration, err)
	}
	return &StaticKeySet{key: raw, kid: kid}, nil
}

// KID は公開鍵のサムプリントを返す。
func (s *StaticKeySet) KID() string {
	return s.kid
}

// Resolve は常に設定された公開鍵を返す。
func (s *StaticKeySet) Resolve(_ context.Context, _ string) (any, error) {
	return s.key, nil
}

// DefaultJWKSCacheTTL はリモートJWKSの鍵をキャッシュする期間。
const DefaultJWKSCacheTTL = time.Hour

// RemoteKeySet はリモートのJWKSから鍵を取得し、kid単位でキャッシュする。
// 初回の検証時に遅延取得し、未知のkidを受け取った場合は検証1回につき最大1回だけ再取得する。
type RemoteKeySet struct {
	// client はJWKSエンドポイントへのHTTPクライアント。
	client *httpclient.Client
	// cache はkidから公開鍵への対応。
	cache *gocache.Cache
	// group は同時に発生した再取得を1回にまとめる。
	group singleflight.Group
	// logger は構造化ロガー。
	logger *zap.Logger
}

// RemoteOption はRemoteKeySetの任意設定。
type RemoteOption func(*remoteOptions)

type remoteOptions struct {
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// WithCacheTTL は鍵のキャッシュ期間を設定する。0以下の場合は既定値のまま。
func WithCacheTTL(ttl time.Duration) RemoteOption {
	return func(o *remoteOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithFetchTimeout はJWKS取得のタイムアウトを設定する。0以下の場合は既定値のまま。
func WithFetchTimeout(timeout time.Duration) RemoteOption {
	return func(o *remoteOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRemoteLogger はRemoteKeySetのロガーを設定する。
func WithRemoteLogger(logger *zap.Logger) RemoteOption {
	return func(o *remoteOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewRemoteKeySet はJWKSのURLからRemoteKeySetを生成する。この時点では取得しない。
func NewRemoteKeySet(jwksURL string, opts ...RemoteOption) (*RemoteKeySet, error) {
	u, err := url.Parse(jwksURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: JWKSのURLが不正です: %q", apperror.ErrConfiguration, jwksURL)
	}

	o := remoteOptions{
		ttl:     DefaultJWKSCacheTTL,
		timeout: 10 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &RemoteKeySet{
		client: httpclient.New(jwksURL, o.timeout),
		cache:  gocache.New(o.ttl, 2*o.ttl),
		logger: o.logger,
	}, nil
}

// Resolve はkidに対応する公開鍵を返す。キャッシュにない場合は一度だけJWKSを再取得する。
func (r *RemoteKeySet) Resolve(ctx context.Context, kid string) (any, error) {
	if key, ok := r.lookup(kid); ok {
		return key, nil
	}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := r.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

// lookup はキャッシュから鍵を探す。kidが空の場合は鍵が1つだけのときに限りその鍵を返す。
func (r *RemoteKeySet) lookup(kid string) (any, bool) {
	if kid != "" {
		return r.cache.Get(kid)
	}
	items := r.cache.Items()
	if len(items) != 1 {
		return nil, false
	}
	for _, item := range items {
		return item.Object, true
	}
	return nil, false
}

// refresh はJWKSを取得してキャッシュを置き換える。
// 同時に呼ばれた場合は進行中の取得の結果を共有する。
// 取得自体は呼び出し元のキャンセルに影響されず、クライアントのタイムアウトで打ち切られる。
func (r *RemoteKeySet) refresh(ctx context.Context) error {
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan("refresh", func() (any, error) {
		return nil, r.fetch(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// fetch はJWKSを取得して解析し、キャッシュに反映する。
func (r *RemoteKeySet) fetch(ctx context.Context) error {
	resp, err := r.client.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("JWKSの取得に失敗: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("JWKSエンドポイントがステータス %d を返しました", resp.StatusCode)
	}

	set, err := jwk.Parse(resp.Body)
	if err != nil {
		return fmt.Errorf("JWKSの解析に失敗: %w", err)
	}

	fetched := make(map[string]any, set.Len())
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok || key.KeyUsage() == string(jwk.ForEncryption) {
			continue
		}
		pub, err := jwk.PublicKeyOf(key)
		if err != nil {
			r.logger.Warn("JWKSの鍵を読み込めません", zap.String("kid", key.KeyID()), zap.Error(err))
			continue
		}
		var raw any
		if err := pub.Raw(&raw); err != nil {
			r.logger.Warn("JWKSの鍵を読み込めません", zap.String("kid", key.KeyID()), zap.Error(err))
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			if kid, err = keys.Thumbprint(key); err != nil {
				continue
			}
		}
		fetched[kid] = raw
	}

	for kid, raw := range fetched {
		r.cache.SetDefault(kid, raw)
	}
	for kid := range r.cache.Items() {
		if _, ok := fetched[kid]; !ok {
			r.cache.Delete(kid)
		}
	}

	r.logger.Info("JWKSを取得しました",
		zap.String("url", r.client.BaseURL()),
		zap.Int("keyCount", len(fetched)),
	)
	return nil
}
