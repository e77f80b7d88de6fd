package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout はタイムアウト未指定時に使用する1リクエストあたりの上限時間。
const DefaultTimeout = 30 * time.Second

// maxBodySize は読み込むレスポンスボディの上限（1MiB）。
const maxBodySize = 1 << 20

// Client はサービス間通信用のHTTPクライアント。
// 1リクエストごとにタイムアウトを適用する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// Response はレスポンスのステータスとボディを保持する。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ（最大1MiB）。
	Body []byte
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先のベースURL（例: "http://lab:3005"）を指定する。
// timeoutが0以下の場合はDefaultTimeoutを使用する。
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get は指定パスにGETリクエストを送信し、ステータスに関わらずレスポンスを返す。
// 通信自体に失敗した場合のみエラーを返す。
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// OK はステータスコードが2xxかどうかを返す。
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrInvalidJSON はレスポンスボディがJSONとして解析できないことを表す。
var ErrInvalidJSON = errors.New("レスポンスボディがJSONではありません")

// JSON はレスポンスボディを検証済みのJSONとして返す。
func (r *Response) JSON() (json.RawMessage, error) {
	if !json.Valid(r.Body) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(r.Body), nil
}
