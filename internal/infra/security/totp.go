package security

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

const qrCodeSize = 256

// TOTPConfig configures RFC 6238 code generation. Skew counts whole periods
// accepted on either side of the current one; zero selects the default.
type TOTPConfig struct {
	Issuer     string
	Period     uint
	Skew       uint
	Digits     otp.Digits
	SecretSize uint
}

// TOTP issues authenticator secrets and validates codes with a symmetric step tolerance.
type TOTP struct {
	cfg TOTPConfig
}

// NewTOTP applies defaults (30s period, one step of skew, six digits, 160-bit secrets).
func NewTOTP(cfg TOTPConfig) *TOTP {
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	if cfg.Digits == 0 {
		cfg.Digits = otp.DigitsSix
	}
	if cfg.SecretSize == 0 {
		cfg.SecretSize = 20
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = "identity-core"
	}
	return &TOTP{cfg: cfg}
}

// Enroll generates a new secret and its provisioning URI and QR code for accountName.
func (t *TOTP) Enroll(accountName string) (*domain.MFAEnrollment, error) {
	if strings.TrimSpace(accountName) == "" {
		return nil, errors.New("totp: account name is required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.cfg.Issuer,
		AccountName: accountName,
		Period:      t.cfg.Period,
		SecretSize:  t.cfg.SecretSize,
		Digits:      t.cfg.Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate key: %w", err)
	}

	qr, err := renderQRCode(key)
	if err != nil {
		return nil, err
	}

	return &domain.MFAEnrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qr,
	}, nil
}

func renderQRCode(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("totp: render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("totp: encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// GenerateCode returns the code valid for secret at the supplied moment.
func (t *TOTP) GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, t.opts())
}

// Validate checks code against secret for the time step at the supplied moment
// and its neighbours within the configured skew. It returns the matched step.
func (t *TOTP) Validate(secret, code string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != t.cfg.Digits.Length() {
		return 0, false
	}

	period := int64(t.cfg.Period)
	current := at.Unix() / period
	skew := int64(t.cfg.Skew)

	var (
		matched int64
		found   bool
	)
	for step := current - skew; step <= current+skew; step++ {
		if step < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), t.opts())
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched = step
			found = true
		}
	}
	return matched, found
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.cfg.Period,
		Skew:      0,
		Digits:    t.cfg.Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

var _ port.TOTPProvider = (*TOTP)(nil)
