package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, method, path, subject, roles string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := ComputeSignature(secret, ts, method, path, "rid-1", subject, roles)
	if err != nil {
		t.Fatalf("ComputeSignature: %v", err)
	}
	req := httptest.NewRequest(method, "http://example.test"+path, nil)
	req.Header.Set("X-Request-Id", "rid-1")
	req.Header.Set(HeaderSubject, subject)
	req.Header.Set(HeaderRoles, roles)
	req.Header.Set(HeaderAuthTimestamp, ts)
	req.Header.Set(HeaderAuthSignature, sig)
	return req
}

func TestHeadersAuthenticatorAcceptsSignedRequest(t *testing.T) {
	a, err := NewHeadersAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewHeadersAuthenticator: %v", err)
	}
	req := signedRequest(t, "secret", http.MethodPost, "/rollouts/r-1/halt", "ops@railyard", "operator,viewer")

	identity, err := a.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "ops@railyard" {
		t.Fatalf("subject = %q", identity.Subject)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "operator" {
		t.Fatalf("roles = %v", identity.Roles)
	}
}

func TestHeadersAuthenticatorRejectsBadSignature(t *testing.T) {
	a, _ := NewHeadersAuthenticator("secret")
	req := signedRequest(t, "other-secret", http.MethodPost, "/rollouts/r-1/halt", "ops", "operator")

	if _, err := a.Authenticate(context.Background(), req); err == nil {
		t.Fatal("expected signature rejection")
	}
}

func TestHeadersAuthenticatorRejectsMissingHeaders(t *testing.T) {
	a, _ := NewHeadersAuthenticator("secret")
	req := httptest.NewRequest(http.MethodGet, "http://example.test/releases", nil)

	if _, err := a.Authenticate(context.Background(), req); err != ErrUnauthenticated {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	now := time.Now().UTC()
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	if err := VerifyTimestamp(stale, now, 5*time.Minute); err == nil {
		t.Fatal("expected skew rejection")
	}
	fresh := strconv.FormatInt(now.Unix(), 10)
	if err := VerifyTimestamp(fresh, now, 5*time.Minute); err != nil {
		t.Fatalf("VerifyTimestamp: %v", err)
	}
}

func TestHasAtLeast(t *testing.T) {
	cases := []struct {
		roles    []string
		required string
		want     bool
	}{
		{[]string{"viewer"}, RoleViewer, true},
		{[]string{"viewer"}, RoleOperator, false},
		{[]string{"operator"}, RoleViewer, true},
		{[]string{"admin"}, RoleOperator, true},
		{[]string{"Admin"}, RoleAdmin, true},
		{nil, RoleViewer, false},
		{[]string{"viewer"}, "unknown", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v>=%s", tc.roles, tc.required), func(t *testing.T) {
			if got := HasAtLeast(tc.roles, tc.required); got != tc.want {
				t.Fatalf("HasAtLeast = %v", got)
			}
		})
	}
}

func TestMiddlewareDeniesWithoutIdentity(t *testing.T) {
	a, _ := NewHeadersAuthenticator("secret")
	var denies []DenyEvent
	mw := Middleware{
		Authenticator: a,
		Authorize:     MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event DenyEvent) error {
			denies = append(denies, event)
			return nil
		},
	}
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without auth")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/rollouts/r-1/halt", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(denies) != 1 || denies[0].Reason != "unauthenticated" {
		t.Fatalf("denies = %+v", denies)
	}
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	a, _ := NewHeadersAuthenticator("secret")
	mw := Middleware{Authenticator: a, Authorize: MethodRoleAuthorizer()}
	reached := false
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "secret", http.MethodPost, "/rollouts/r-1/halt", "viewer@railyard", "viewer"))
	if rec.Code != http.StatusForbidden || reached {
		t.Fatalf("viewer mutation allowed: status=%d reached=%v", rec.Code, reached)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, "secret", http.MethodGet, "/releases", "viewer@railyard", "viewer"))
	if rec.Code != http.StatusOK || !reached {
		t.Fatalf("viewer read denied: status=%d", rec.Code)
	}
}

func TestMiddlewareSkipsPrefixes(t *testing.T) {
	a, _ := NewHeadersAuthenticator("secret")
	mw := Middleware{Authenticator: a, SkipPrefixes: []string{"/healthz", "/signals/"}}
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/signals/train-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("skipped prefix denied: %d", rec.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Mode: ModeHeaders}).Validate(); err == nil {
		t.Fatal("headers mode without secret accepted")
	}
	if err := (Config{Mode: ModeHeaders, Secret: "s"}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Config{Mode: ModeDev, DevSubject: "dev", DevRoles: []string{"admin"}}).Validate(); err != nil {
		t.Fatalf("Validate dev: %v", err)
	}
	if err := (Config{Mode: "oauth"}).Validate(); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
