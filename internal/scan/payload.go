package scan

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// ErrBadPayload means the decoded QR content carried no token.
var ErrBadPayload = errors.New("unrecognized QR payload")

// jsonPayload is the JSON wire form a scanner may produce.
type jsonPayload struct {
	Token     string `json:"token"`
	SubjectID string `json:"subjectId"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// ExtractToken pulls the token out of a decoded QR payload. Two wire forms
// exist: a check-in URL with a token query parameter, and a JSON object.
// A bare opaque string is taken as the token itself.
func ExtractToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrBadPayload
	}

	if strings.HasPrefix(raw, "{") {
		var p jsonPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Token == "" {
			return "", ErrBadPayload
		}
		return p.Token, nil
	}

	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "?") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", ErrBadPayload
		}
		if tok := u.Query().Get("token"); tok != "" {
			return tok, nil
		}
		return "", ErrBadPayload
	}

	return raw, nil
}
