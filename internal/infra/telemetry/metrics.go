package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/identity-core/internal/core/port"
)

const metricsNamespace = "authcore"

// AuthMetrics exports authentication outcomes as Prometheus counters.
type AuthMetrics struct {
	loginAttempts      *prometheus.CounterVec
	tokenRefreshes     *prometheus.CounterVec
	sessionsRevoked    *prometheus.CounterVec
	accountsLocked     prometheus.Counter
	mfaVerifications   *prometheus.CounterVec
	apiKeyVerification *prometheus.CounterVec
	passwordResets     *prometheus.CounterVec
}

// NewAuthMetrics creates the collectors and registers them with reg.
func NewAuthMetrics(reg prometheus.Registerer) (*AuthMetrics, error) {
	m := &AuthMetrics{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_refreshes_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		sessionsRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked by reason.",
		}, []string{"reason"}),
		accountsLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accounts_locked_total",
			Help:      "Identities locked after repeated failures.",
		}),
		mfaVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mfa_verifications_total",
			Help:      "MFA verifications by method and outcome.",
		}, []string{"method", "outcome"}),
		apiKeyVerification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "api_key_verifications_total",
			Help:      "API key verifications by outcome.",
		}, []string{"outcome"}),
		passwordResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "password_resets_total",
			Help:      "Password reset requests and confirmations by outcome.",
		}, []string{"stage", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.loginAttempts,
		m.tokenRefreshes,
		m.sessionsRevoked,
		m.accountsLocked,
		m.mfaVerifications,
		m.apiKeyVerification,
		m.passwordResets,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *AuthMetrics) LoginAttempt(outcome string) {
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) TokenRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) SessionsRevoked(reason string, count int) {
	if count <= 0 {
		return
	}
	m.sessionsRevoked.WithLabelValues(reason).Add(float64(count))
}

func (m *AuthMetrics) AccountLocked() {
	m.accountsLocked.Inc()
}

func (m *AuthMetrics) MFAVerification(method, outcome string) {
	m.mfaVerifications.WithLabelValues(method, outcome).Inc()
}

func (m *AuthMetrics) APIKeyVerification(outcome string) {
	m.apiKeyVerification.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) PasswordReset(stage, outcome string) {
	m.passwordResets.WithLabelValues(stage, outcome).Inc()
}

var _ port.AuthMetrics = (*AuthMetrics)(nil)
