package auth

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/middleware"
	"github.com/nao1215/herbario/pkg/token"
)

// maxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
const maxPasswordBytes = 72

// registerRequest はユーザー登録リクエストのJSON構造。
type registerRequest struct {
	// Email はログインに使用するメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。maxは文字数なので、バイト数は別途 maxPasswordBytes で検査する。
	Password string `json:"password" binding:"required,min=8,max=72"`
	// Nombres は名。
	Nombres string `json:"nombres" binding:"required,max=100"`
	// Apellidos は姓。
	Apellidos string `json:"apellidos" binding:"required,max=100"`
	// Rol はロール。省略時はconsulta。
	Rol string `json:"rol" binding:"omitempty,oneof=consulta recepcionista laboratorista"`
	// HerbarioID は所属する標本館のID。
	HerbarioID *string `json:"herbario_id" binding:"omitempty,max=64"`
}

// loginRequest はログインリクエストのJSON構造。
type loginRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required"`
	// Password はパスワード。
	Password string `json:"password" binding:"required"`
}

// userResponse はログインレスポンスに含めるユーザー情報。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Nombre は表示用の氏名。
	Nombre string `json:"nombre"`
	// Rol はロール。
	Rol token.Role `json:"rol"`
}

// loginResponse はログインレスポンスのJSON構造。
type loginResponse struct {
	// AccessToken は発行したアクセストークン。
	AccessToken string `json:"access_token"`
	// TokenType は常に "Bearer"。
	TokenType string `json:"token_type"`
	// ExpiresIn はトークンの有効期間（秒）。
	ExpiresIn int `json:"expires_in"`
	// User はログインしたユーザー。
	User userResponse `json:"user"`
}

// handleRegister はユーザー登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := bindJSON(c, &req); err != nil {
			apperror.Respond(c, err)
			return
		}
		if len(req.Password) > maxPasswordBytes {
			apperror.Respond(c, apperror.NewValidationError(map[string]string{"password": "max"}))
			return
		}

		role := token.RoleConsulta
		if req.Rol != "" {
			role = token.Role(req.Rol)
		}
		if req.HerbarioID != nil && strings.TrimSpace(*req.HerbarioID) == "" {
			req.HerbarioID = nil
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
		if err != nil {
			s.logger.Error("パスワードのハッシュ化に失敗しました", zap.Error(err))
			apperror.Respond(c, err)
			return
		}

		user := User{
			ID:           uuid.NewString(),
			Email:        req.Email,
			PasswordHash: string(hash),
			Nombres:      strings.TrimSpace(req.Nombres),
			Apellidos:    strings.TrimSpace(req.Apellidos),
			Role:         role,
			HerbarioID:   req.HerbarioID,
			CreatedAt:    time.Now(),
		}
		if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
			if !errors.Is(err, apperror.ErrConflict) {
				s.logger.Error("ユーザーの登録に失敗しました",
					zap.String("requestID", middleware.RequestID(c)),
					zap.Error(err),
				)
			}
			apperror.Respond(c, err)
			return
		}

		s.logger.Info("ユーザーを登録しました",
			zap.String("userID", user.ID),
			zap.String("role", role.String()),
		)
		c.JSON(http.StatusCreated, gin.H{"ok": true, "id": user.ID})
	}
}

// handleLogin はログインを処理し、アクセストークンを発行するハンドラを返す。
// メールアドレスが存在しない場合もパスワードが誤っている場合も同じ応答を返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := bindJSON(c, &req); err != nil {
			apperror.Respond(c, err)
			return
		}

		user, err := s.store.FindByEmail(c.Request.Context(), req.Email)
		switch {
		case errors.Is(err, ErrUserNotFound):
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))
			s.invalidCredentials(c, "未登録のメールアドレス")
			return
		case err != nil:
			s.logger.Error("ユーザーの取得に失敗しました", zap.Error(err))
			apperror.Respond(c, err)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			s.invalidCredentials(c, "パスワードの不一致")
			return
		}

		claims := token.Claims{
			Email:      user.Email,
			Role:       user.Role,
			HerbarioID: user.HerbarioID,
		}
		claims.Subject = user.ID
		raw, err := s.issuer.Issue(claims)
		if err != nil {
			s.logger.Error("トークンの発行に失敗しました", zap.Error(err))
			apperror.Respond(c, err)
			return
		}

		c.JSON(http.StatusOK, loginResponse{
			AccessToken: raw,
			TokenType:   "Bearer",
			ExpiresIn:   int(token.AccessTokenTTL / time.Second),
			User: userResponse{
				ID:     user.ID,
				Email:  user.Email,
				Nombre: user.DisplayName(),
				Rol:    user.Role,
			},
		})
	}
}

// invalidCredentials は原因をログにだけ残して401を返す。
func (s *Server) invalidCredentials(c *gin.Context, reason string) {
	s.logger.Debug("ログインに失敗しました",
		zap.String("reason", reason),
		zap.String("requestID", middleware.RequestID(c)),
	)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
}

// bindJSON はリクエストボディを解析して検証する。
// 失敗した場合はフィールドごとの理由を持つ apperror.ValidationError を返す。
func bindJSON(c *gin.Context, dst any) error {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return apperror.NewValidationError(fields)
	}
	return apperror.NewValidationError(map[string]string{"body": "invalid JSON"})
}

// registerTagName はバリデーターの設定を一度だけ行う。
var registerTagName sync.Once

// useJSONFieldNames は検証エラーのフィールド名にJSONのキーを使うよう設定する。
func useJSONFieldNames() {
	registerTagName.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
}
