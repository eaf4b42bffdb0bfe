package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gorilla/securecookie"
)

const keyPrefix = "session:"

// Key は sid のリモートストア用キーです。
func Key(sid string) string {
	return keyPrefix + sid
}

// Encode は rec をリモートストアの保存形式（JSON）にシリアライズします。
func Encode(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("session: failed to marshal: %w", err)
	}
	return data, nil
}

// Decode はリモートストアの保存形式をパースします。
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return &rec, nil
}

// GenerateID は 256 ビットのエントロピーを持つ新しいセッション ID を返します。
// ユーザー情報からは生成しません。
func GenerateID() (string, error) {
	b := securecookie.GenerateRandomKey(32)
	if b == nil {
		return "", fmt.Errorf("session: failed to generate id")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
