// Package user はサインアップとプロフィール入力の検証・正規化を提供する。
package user

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	"github.com/hitoshi/rentsession/internal/model"
	"github.com/hitoshi/rentsession/internal/security"
)

const (
	// パスワード長は認証サービスの最小長とbcryptの上限に合わせる。
	minPasswordLength = 6
	maxPasswordLength = 72
	maxNameLength     = 200
	maxPhoneLength    = 32

	// DefaultPhoneRegion は国番号なしの電話番号を解釈する既定の地域。
	DefaultPhoneRegion = "US"
)

// SignupInput はサインアップフォームの入力値。
type SignupInput struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"`
	Name     string     `json:"name"`
	Phone    string     `json:"phone"`
}

// ProfileInput はプロフィール作成（サインアップ後の再試行）の入力値。
type ProfileInput struct {
	Role  model.Role `json:"role"`
	Name  string     `json:"name"`
	Phone string     `json:"phone"`
}

// ProfileFields は正規化済みのプロフィール項目。
// NameとPhoneは未入力の場合nil。
type ProfileFields struct {
	Role  model.Role
	Name  *string
	Phone *string
}

// Signup は正規化済みのサインアップ入力。
type Signup struct {
	Email    string
	Password string
	ProfileFields
}

// Normalizer は入力値を検証し、保存できる形に正規化する。
type Normalizer struct {
	sanitizer *security.TextSanitizer
	region    string
}

// NewNormalizer はNormalizerを生成する。regionが空の場合はDefaultPhoneRegionを使う。
func NewNormalizer(sanitizer *security.TextSanitizer, region string) *Normalizer {
	if region == "" {
		region = DefaultPhoneRegion
	}
	return &Normalizer{sanitizer: sanitizer, region: strings.ToUpper(region)}
}

// Signup はサインアップ入力を検証・正規化する。
// 検証エラーはコードVALIDATION_FAILEDの*model.APIErrorで返す。
func (n *Normalizer) Signup(in SignupInput) (*Signup, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)

	errs := validation.Errors{}
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
		validation.Field(&in.Role, validation.Required, validation.In(model.RoleSeeker, model.RoleOwner)),
		validation.Field(&in.Name, validation.Length(0, maxNameLength)),
		validation.Field(&in.Phone, validation.Length(0, maxPhoneLength)),
	); err != nil {
		if !collect(errs, err) {
			return nil, fmt.Errorf("failed to validate signup input: %w", err)
		}
	}
	if len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}

	return &Signup{
		Email:    in.Email,
		Password: in.Password,
		ProfileFields: ProfileFields{
			Role:  in.Role,
			Name:  n.normalizeName(in.Name),
			Phone: n.normalizePhone(in.Phone),
		},
	}, nil
}

// Profile はプロフィール入力を検証・正規化する。
func (n *Normalizer) Profile(in ProfileInput) (*ProfileFields, error) {
	in.Phone = strings.TrimSpace(in.Phone)

	errs := validation.Errors{}
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Role, validation.Required, validation.In(model.RoleSeeker, model.RoleOwner)),
		validation.Field(&in.Name, validation.Length(0, maxNameLength)),
		validation.Field(&in.Phone, validation.Length(0, maxPhoneLength)),
	); err != nil {
		if !collect(errs, err) {
			return nil, fmt.Errorf("failed to validate profile input: %w", err)
		}
	}
	if len(errs) > 0 {
		return nil, model.NewValidationError(errs)
	}

	return &ProfileFields{
		Role:  in.Role,
		Name:  n.normalizeName(in.Name),
		Phone: n.normalizePhone(in.Phone),
	}, nil
}

// normalizeName は表示名からHTMLを除去する。空になった場合はnil。
func (n *Normalizer) normalizeName(raw string) *string {
	name := n.sanitizer.Sanitize(raw)
	if name == "" {
		return nil
	}
	return &name
}

// normalizePhone は電話番号をE.164形式に正規化する。空の場合はnil。
// 既定地域で有効な番号として解釈できない場合は入力どおりに保存する。
func (n *Normalizer) normalizePhone(raw string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	num, err := phonenumbers.Parse(raw, n.region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return &raw
	}

	e164 := phonenumbers.Format(num, phonenumbers.E164)
	return &e164
}

// collect はozzo-validationのフィールドエラーをerrsに移す。
// フィールドエラー以外（内部エラー）の場合はfalseを返す。
func collect(errs validation.Errors, err error) bool {
	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		return false
	}
	for k, v := range fieldErrs {
		errs[k] = v
	}
	return true
}
