// Package profile は IdP の userinfo ペイロードを、IdP に依存しない正規化プロファイルに変換します。
//
// 検証は 2 通りあります。ValidateStrict は型付きスキーマにデコードして
// go-playground/validator で検証し、少しでも外れれば失敗します。
// ValidateManual はペイロードを手で走査し、形の合わない任意項目を捨てます。
// Validate は strict を試してから manual にフォールバックするため、
// 正しい形のペイロードはどちらを通っても同じ Canonical になります。
//
package profile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Canonical は検証済みのプロファイルです。空文字は値なしを表します。
type Canonical struct {
	ID         string
	Email      string
	Name       string
	Picture    string
	Identities map[string]any
}

// ValidationError は Canonical を作れないペイロードを表します。
type ValidationError struct {
	Path   string // "strict" または "manual"
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile: %s validation: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("profile: %s validation: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError は err が ValidationError（またはそのラップ）かを返します。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type strictSchema struct {
	Sub        string         `json:"sub" validate:"required"`
	Email      *string        `json:"email" validate:"omitempty,email"`
	Name       *string        `json:"name"`
	Picture    *string        `json:"picture"`
	Identities map[string]any `json:"identities"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は strict、manual の順に試して raw の正規化プロファイルを返します。
// 返すエラーは manual 側のものです。
func Validate(raw any) (Canonical, error) {
	if p, err := ValidateStrict(raw); err == nil {
		return p, nil
	}
	return ValidateManual(raw)
}

// ValidateStrict は型の違う項目や不正なメールアドレスがあれば失敗します。
func ValidateStrict(raw any) (Canonical, error) {
	obj, ok := raw.(map[string]any)
	if !ok || obj == nil {
		return Canonical{}, &ValidationError{Path: "strict", Reason: "not an object"}
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return Canonical{}, &ValidationError{Path: "strict", Reason: "unencodable payload", Err: err}
	}
	var s strictSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return Canonical{}, &ValidationError{Path: "strict", Reason: "schema mismatch", Err: err}
	}
	if err := validate.Struct(s); err != nil {
		return Canonical{}, &ValidationError{Path: "strict", Reason: "schema violation", Err: err}
	}

	return Canonical{
		ID:         s.Sub,
		Email:      deref(s.Email),
		Name:       deref(s.Name),
		Picture:    deref(s.Picture),
		Identities: s.Identities,
	}, nil
}

// ValidateManual は空でない文字列の "sub" を必須とし、
// 任意項目は期待する形のときだけ残します。
func ValidateManual(raw any) (Canonical, error) {
	obj, ok := raw.(map[string]any)
	if !ok || obj == nil {
		return Canonical{}, &ValidationError{Path: "manual", Reason: "not an object"}
	}

	sub, _ := obj["sub"].(string)
	if sub == "" {
		return Canonical{}, &ValidationError{Path: "manual", Reason: "missing sub"}
	}

	p := Canonical{ID: sub}
	if email, ok := obj["email"].(string); ok && email != "" {
		if isEmail(email) {
			p.Email = email
		}
	}
	p.Name, _ = obj["name"].(string)
	p.Picture, _ = obj["picture"].(string)
	if ids, ok := obj["identities"].(map[string]any); ok {
		p.Identities = ids
	}
	return p, nil
}

// isEmail は両方の経路で共通のメール判定です。strictSchema の "email" タグと一致させること。
func isEmail(s string) bool {
	return validate.Var(s, "email") == nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
