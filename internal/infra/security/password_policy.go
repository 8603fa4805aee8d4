package security

import (
	"strings"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

const defaultMaxPasswordLength = 256

// PasswordPolicyConfig drives the rules applied to new passwords. Zero values disable a rule.
type PasswordPolicyConfig struct {
	MinLength           int
	MaxLength           int
	MinCharacterClasses int
	MinStrengthScore    int
	ForbidIdentity      bool
}

// DefaultPasswordPolicyConfig accepts any non-empty password up to the maximum length.
func DefaultPasswordPolicyConfig() PasswordPolicyConfig {
	return PasswordPolicyConfig{
		MinLength: 1,
		MaxLength: defaultMaxPasswordLength,
	}
}

// PasswordPolicy adapts the password validator to the port-level policy interface.
type PasswordPolicy struct {
	cfg PasswordPolicyConfig
}

// NewPasswordPolicy builds a policy from cfg.
func NewPasswordPolicy(cfg PasswordPolicyConfig) *PasswordPolicy {
	if cfg.MinLength < 1 {
		cfg.MinLength = 1
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultMaxPasswordLength
	}
	return &PasswordPolicy{cfg: cfg}
}

// Validate applies the configured rules, feeding the account identity into the strength estimate.
func (p *PasswordPolicy) Validate(password string, ctx domain.PasswordContext) error {
	inputs := make([]string, 0, 3)
	if ctx.Username != "" {
		inputs = append(inputs, ctx.Username)
	}
	if ctx.Email != "" {
		inputs = append(inputs, ctx.Email)
		if local, _, ok := strings.Cut(ctx.Email, "@"); ok && local != "" {
			inputs = append(inputs, local)
		}
	}

	rules := []PasswordRule{
		MinLengthRule(p.cfg.MinLength),
		MaxLengthRule(p.cfg.MaxLength),
		RequireCharacterClassesRule(p.cfg.MinCharacterClasses),
	}
	if p.cfg.ForbidIdentity {
		rules = append(rules, ForbidIdentityRule(inputs...))
	}
	rules = append(rules, RequirePasswordStrengthRule(p.cfg.MinStrengthScore, inputs...))

	return NewPasswordValidator(rules...).Validate(password)
}

var _ port.PasswordPolicy = (*PasswordPolicy)(nil)
