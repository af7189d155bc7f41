package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Operator requests are signed by the caller (CLI or deploy tooling)
// with a shared secret over the timestamp, method, path, request id and
// identity headers.
const (
	HeaderSubject = "X-Railyard-Subject"
	HeaderRoles   = "X-Railyard-Roles"

	HeaderAuthTimestamp = "X-Railyard-Auth-Ts"
	HeaderAuthSignature = "X-Railyard-Auth-Sig"
)

// HeadersAuthenticator verifies HMAC-signed identity headers.
type HeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
}

func NewHeadersAuthenticator(secret string) (*HeadersAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("RAILYARD_AUTH_SECRET is required")
	}
	return &HeadersAuthenticator{
		Secret:  secret,
		MaxSkew: 5 * time.Minute,
	}, nil
}

func (a *HeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))

	ts := strings.TrimSpace(r.Header.Get(HeaderAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderAuthSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	if err := VerifyTimestamp(ts, time.Now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	err := VerifySignature(
		a.Secret,
		ts,
		r.Method,
		r.URL.Path,
		r.Header.Get("X-Request-Id"),
		subject,
		rolesRaw,
		sig,
	)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject: subject,
		Roles:   ParseRoles(rolesRaw),
	}, nil
}

func ComputeSignature(secret, ts, method, path, requestID, subject, roles string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	msg := canonical(ts, method, path, requestID, subject, roles)
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(msg)); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifySignature(secret, ts, method, path, requestID, subject, roles, signature string) error {
	expected, err := ComputeSignature(secret, ts, method, path, requestID, subject, roles)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return errors.New("timestamp is required")
	}
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}

	tsTime := time.Unix(parsed, 0).UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func canonical(ts, method, path, requestID, subject, roles string) string {
	parts := []string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(requestID),
		strings.TrimSpace(subject),
		strings.TrimSpace(roles),
	}
	return strings.Join(parts, "\n")
}

// ParseRoles splits a comma-separated role list, lowercased and
// deduplicated.
func ParseRoles(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
