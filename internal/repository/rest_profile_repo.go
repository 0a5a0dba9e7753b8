package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/rentsession/internal/model"
)

const (
	// restProfilesPath はPostgRESTのprofilesテーブルのパス。
	restProfilesPath = "/rest/v1/profiles"
	// maxRESTResponseSize はレスポンスボディの最大読み取りサイズ。
	maxRESTResponseSize = 1 << 20
)

// RESTProfileRepo はホスティングされたPostgREST API経由のプロフィールリポジトリ。
// 行レベルセキュリティのため、ログイン中はユーザーのアクセストークンで呼び出す。
type RESTProfileRepo struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	anonKey    string
	tokens     TokenSource
}

// NewRESTProfileRepo はRESTProfileRepoを生成する。
// tokensがnilの場合は常に匿名キーで呼び出す。
func NewRESTProfileRepo(httpClient *http.Client, logger *slog.Logger, baseURL, anonKey string, tokens TokenSource) *RESTProfileRepo {
	return &RESTProfileRepo{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		tokens:     tokens,
	}
}

// profileRow はPostgRESTのprofiles行のJSON表現。
type profileRow struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      *string    `json:"name"`
	UserType  string     `json:"user_type"`
	Phone     *string    `json:"phone"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// postgrestError はPostgRESTのエラーレスポンス。
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *RESTProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "*")

	req, err := r.newRequest(ctx, http.MethodGet, restProfilesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	body, err := r.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	var rows []profileRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", &model.ServiceError{Message: err.Error()})
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0].toProfile(), nil
}

// Upsert はプロフィールを冪等にUPSERTする。
// on_conflict=idとPrefer: resolution=merge-duplicatesで主キー衝突時は更新になる。
func (r *RESTProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	payload, err := json.Marshal(profileRow{
		ID:       profile.ID,
		Email:    profile.Email,
		Name:     profile.Name,
		UserType: string(profile.Role),
		Phone:    profile.Phone,
	})
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	req, err := r.newRequest(ctx, http.MethodPost, restProfilesPath+"?on_conflict=id", payload)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	if _, err := r.do(req); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// newRequest は共通ヘッダー付きのHTTPリクエストを生成する。
func (r *RESTProfileRepo) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	bearer := r.anonKey
	if r.tokens != nil {
		token, err := r.tokens.AccessToken(ctx)
		if err != nil {
			r.logger.Warn("failed to get access token, falling back to anon key",
				slog.String("error", err.Error()),
			)
		} else if token != "" {
			bearer = token
		}
	}

	req.Header.Set("apikey", r.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do はリクエストを実行し、2xx以外はServiceErrorとして返す。
func (r *RESTProfileRepo) do(req *http.Request) ([]byte, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Error("profile store request failed",
			slog.String("method", req.Method),
			slog.String("error", err.Error()),
		)
		return nil, &model.ServiceError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTResponseSize))
	if err != nil {
		return nil, &model.ServiceError{Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pgErr postgrestError
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &pgErr) == nil && pgErr.Message != "" {
			msg = pgErr.Message
		}
		r.logger.Error("profile store returned error status",
			slog.String("method", req.Method),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", pgErr.Code),
		)
		return nil, &model.ServiceError{Status: resp.StatusCode, Code: pgErr.Code, Message: msg}
	}

	return body, nil
}

// toProfile はJSON行をドメインモデルに変換する。
func (row profileRow) toProfile() *model.Profile {
	p := &model.Profile{
		ID:    row.ID,
		Email: row.Email,
		Name:  row.Name,
		Role:  model.Role(row.UserType),
		Phone: row.Phone,
	}
	if row.CreatedAt != nil {
		p.CreatedAt = *row.CreatedAt
	}
	if row.UpdatedAt != nil {
		p.UpdatedAt = *row.UpdatedAt
	}
	return p
}

// compile-time interface check
var _ ProfileRepository = (*RESTProfileRepo)(nil)
