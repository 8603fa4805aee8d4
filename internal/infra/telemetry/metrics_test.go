package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAuthMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewAuthMetrics(reg)
	if err != nil {
		t.Fatalf("NewAuthMetrics returned error: %v", err)
	}

	m.LoginAttempt("success")
	m.LoginAttempt("success")
	m.LoginAttempt("invalid_credentials")
	m.SessionsRevoked("password_reset", 3)
	m.SessionsRevoked("logout", 0)
	m.AccountLocked()
	m.MFAVerification("totp", "success")
	m.PasswordReset("request", "accepted")

	if got := testutil.ToFloat64(m.loginAttempts.WithLabelValues("success")); got != 2 {
		t.Fatalf("expected 2 successful logins, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsRevoked.WithLabelValues("password_reset")); got != 3 {
		t.Fatalf("expected 3 revoked sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.accountsLocked); got != 1 {
		t.Fatalf("expected 1 lock, got %v", got)
	}
	if got := testutil.CollectAndCount(m.sessionsRevoked); got != 1 {
		t.Fatalf("zero-count revocations must not create series, got %d", got)
	}
	if got := testutil.ToFloat64(m.mfaVerifications.WithLabelValues("totp", "success")); got != 1 {
		t.Fatalf("expected 1 mfa verification, got %v", got)
	}
}

func TestAuthMetricsDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewAuthMetrics(reg); err != nil {
		t.Fatalf("NewAuthMetrics returned error: %v", err)
	}
	if _, err := NewAuthMetrics(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
