package security

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"unicode"
	"unicode/utf8"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

// Violation codes reported in PasswordValidationError.Code.
const (
	violationMinLength        = "min_length"
	violationMaxLength        = "max_length"
	violationCharacterClasses = "character_classes"
	violationContainsIdentity = "contains_identity"
	violationUnchanged        = "different"
	violationWeak             = "weak_password"
)

const (
	maxStrengthScore    = 4
	minIdentityFragment = 3
)

// PasswordValidationError names the first rule a candidate password broke.
// Code is stable for callers; Message can be shown to the account owner.
type PasswordValidationError struct {
	Code    string
	Message string
}

func (e *PasswordValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func violation(code, format string, args ...any) *PasswordValidationError {
	return &PasswordValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PasswordRule is one check run by PasswordPolicy.
type PasswordRule interface {
	Validate(password string) error
}

// PasswordRuleFunc lets a plain function act as a PasswordRule.
type PasswordRuleFunc func(password string) error

func (f PasswordRuleFunc) Validate(password string) error {
	return f(password)
}

// PasswordValidator runs its rules in order and stops at the first violation.
type PasswordValidator struct {
	rules []PasswordRule
}

func NewPasswordValidator(rules ...PasswordRule) *PasswordValidator {
	return &PasswordValidator{rules: append([]PasswordRule(nil), rules...)}
}

func (v *PasswordValidator) Validate(password string) error {
	if v == nil {
		return errors.New("password validator not configured")
	}
	for _, rule := range v.rules {
		if err := rule.Validate(password); err != nil {
			return err
		}
	}
	return nil
}

// MinLengthRule counts runes, not bytes.
func MinLengthRule(min int) PasswordRule {
	return PasswordRuleFunc(func(password string) error {
		if utf8.RuneCountInString(password) < min {
			return violation(violationMinLength, "password must be at least %d characters long", min)
		}
		return nil
	})
}

// MaxLengthRule bounds what reaches the Argon2 hasher. Non-positive max disables it.
func MaxLengthRule(max int) PasswordRule {
	return PasswordRuleFunc(func(password string) error {
		if max > 0 && utf8.RuneCountInString(password) > max {
			return violation(violationMaxLength, "password must be at most %d characters long", max)
		}
		return nil
	})
}

type charClass uint8

const (
	classUpper charClass = 1 << iota
	classLower
	classDigit
	classSymbol
)

func classOf(r rune) charClass {
	switch {
	case unicode.IsUpper(r):
		return classUpper
	case unicode.IsLower(r):
		return classLower
	case unicode.IsDigit(r):
		return classDigit
	case unicode.IsSymbol(r) || unicode.IsPunct(r):
		return classSymbol
	}
	return 0
}

func characterClasses(password string) int {
	var seen charClass
	for _, r := range password {
		seen |= classOf(r)
	}
	return bits.OnesCount8(uint8(seen))
}

// RequireCharacterClassesRule wants min distinct classes out of uppercase,
// lowercase, digits and symbols. Zero disables it.
func RequireCharacterClassesRule(min int) PasswordRule {
	return PasswordRuleFunc(func(password string) error {
		if min <= 0 || characterClasses(password) >= min {
			return nil
		}
		return violation(violationCharacterClasses, "password must include at least %d character types", min)
	})
}

// ForbidIdentityRule rejects a password that embeds the username or email,
// ignoring case. Fragments shorter than three runes are not checked.
func ForbidIdentityRule(identities ...string) PasswordRule {
	fragments := make([]string, 0, len(identities))
	for _, identity := range identities {
		identity = strings.ToLower(strings.TrimSpace(identity))
		if utf8.RuneCountInString(identity) >= minIdentityFragment {
			fragments = append(fragments, identity)
		}
	}

	return PasswordRuleFunc(func(password string) error {
		lowered := strings.ToLower(password)
		for _, fragment := range fragments {
			if strings.Contains(lowered, fragment) {
				return violation(violationContainsIdentity, "password must not contain your username or email")
			}
		}
		return nil
	})
}

// RequireDifferentFrom rejects reuse of current.
func RequireDifferentFrom(current string) PasswordRule {
	return PasswordRuleFunc(func(password string) error {
		if password == current {
			return violation(violationUnchanged, "new password must be different from current password")
		}
		return nil
	})
}

// RequirePasswordStrengthRule asks zxcvbn for a score of at least minScore,
// penalising guesses built from userInputs. Scores above 4 are capped.
func RequirePasswordStrengthRule(minScore int, userInputs ...string) PasswordRule {
	minScore = min(minScore, maxStrengthScore)

	return PasswordRuleFunc(func(password string) error {
		if minScore <= 0 {
			return nil
		}
		if zxcvbn.PasswordStrength(password, userInputs).Score >= minScore {
			return nil
		}
		return violation(violationWeak, "password is too weak, choose a less predictable one")
	})
}
