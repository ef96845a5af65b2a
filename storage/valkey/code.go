package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode persists a freshly issued code.
// The key outlives the code by the expired retention so replays stay detectable.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errRecordTooLarge
	}

	err = s.saveRecord(ctx, s.codeKey(code.Code), code.Code, s.recordTTL(code.ExpiresAt), nil,
		"data", string(data),
		"used", flag(code.Used),
		"compromised", flag(code.Compromised),
	)
	if err != nil {
		return s.fail("save authorization code", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_id", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode reads a code without changing it
func (s *Store) GetAuthorizationCode(ctx context.Context, codeID string) (*storage.AuthorizationCode, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.codeKey(codeID)).Build()).AsStrMap()
	if err != nil {
		return nil, s.fail("get authorization code", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrCodeNotFound
	}
	return decodeAuthorizationCode(fields)
}

// ConsumeAuthorizationCode checks match and marks the code used.
// The code's JSON is immutable once saved, so checking it outside Valkey is
// safe; the used transition itself runs in luaMarkCodeUsed and only one caller
// can win it.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeID string, match storage.CodeMatch) (*storage.AuthorizationCode, error) {
	code, err := s.GetAuthorizationCode(ctx, codeID)
	if err != nil {
		return nil, err
	}

	if !code.Used {
		if code.IsExpired(s.now()) {
			return nil, storage.ErrCodeExpired
		}
		if !match.Matches(code) {
			return nil, storage.ErrCodeMismatch
		}
	}

	result, err := luaMarkCodeUsed.Exec(ctx, s.client, []string{s.codeKey(codeID)}, nil).ToString()
	if err != nil {
		return nil, s.fail("mark authorization code used", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "ALREADY_USED":
		code.Used = true
		code.Compromised = true
		s.logger.Warn("Authorization code presented twice",
			"code_id", util.SafeTruncate(codeID, tokenIDLogLength),
			"client_id", code.ClientID)
		return code, storage.ErrCodeAlreadyUsed
	}

	code.Used = true
	return code, nil
}

// authorizationCodeJSON is the JSON representation of an authorization code.
// Used and Compromised live in their own hash fields.
type authorizationCodeJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	RedirectDefaulted   bool     `json:"redirect_uri_defaulted,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Scopes              []string `json:"scopes"`
	SubjectID           string   `json:"subject_id"`
	SessionID           string   `json:"session_id,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	AuthTime            int64    `json:"auth_time,omitempty"`
	IssuedAt            int64    `json:"issued_at"`
	ExpiresAt           int64    `json:"expires_at"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		RedirectDefaulted:   code.RedirectURIDefaulted,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Scopes:              code.Scopes,
		SubjectID:           code.SubjectID,
		SessionID:           code.SessionID,
		Nonce:               code.Nonce,
		IssuedAt:            code.IssuedAt.UnixMilli(),
		ExpiresAt:           code.ExpiresAt.UnixMilli(),
	}
	if !code.AuthTime.IsZero() {
		j.AuthTime = code.AuthTime.UnixMilli()
	}
	return j
}

func decodeAuthorizationCode(fields map[string]string) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(fields["data"]), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:                 j.Code,
		ClientID:             j.ClientID,
		RedirectURI:          j.RedirectURI,
		RedirectURIDefaulted: j.RedirectDefaulted,
		CodeChallenge:        j.CodeChallenge,
		CodeChallengeMethod:  j.CodeChallengeMethod,
		Scopes:               j.Scopes,
		SubjectID:            j.SubjectID,
		SessionID:            j.SessionID,
		Nonce:                j.Nonce,
		AuthTime:             fromMillis(j.AuthTime),
		IssuedAt:             fromMillis(j.IssuedAt),
		ExpiresAt:            fromMillis(j.ExpiresAt),
		Used:                 fields["used"] == "1",
		Compromised:          fields["compromised"] == "1",
	}, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
