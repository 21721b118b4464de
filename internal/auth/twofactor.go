package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

const (
	totpPeriod = 30
	totpSkew   = 1
	qrCodeSize = 256
)

type TwoFactorVerifier struct {
	users  UserStore
	issuer string
	now    func() time.Time
}

func NewTwoFactorVerifier(users UserStore, issuer string) *TwoFactorVerifier {
	if strings.TrimSpace(issuer) == "" {
		issuer = "Garden"
	}
	return &TwoFactorVerifier{users: users, issuer: issuer, now: time.Now}
}

func (v *TwoFactorVerifier) WithClock(now func() time.Time) *TwoFactorVerifier {
	v.now = now
	return v
}

// SetupSecret stores a fresh secret in the pending-confirmation state. Calling
// it again before Enable replaces the pending secret.
func (v *TwoFactorVerifier) SetupSecret(ctx context.Context, username string) (TwoFactorSetup, error) {
	user, err := v.users.GetUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return TwoFactorSetup{}, err
	}
	if user.TwoFactorState() == TwoFactorActive {
		return TwoFactorSetup{}, ErrTwoFactorAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: user.Username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TwoFactorSetup{}, fmt.Errorf("generate totp secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrCodeSize)
	if err != nil {
		return TwoFactorSetup{}, fmt.Errorf("encode qr code: %w", err)
	}

	secret := key.Secret()
	if err := v.users.SetTwoFactor(ctx, user.ID, &secret, false); err != nil {
		return TwoFactorSetup{}, err
	}

	return TwoFactorSetup{
		Secret:          secret,
		ProvisioningURI: key.URL(),
		QRCode:          "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

func (v *TwoFactorVerifier) VerifyCode(ctx context.Context, username, code string) (bool, error) {
	user, err := v.users.GetUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return false, err
	}
	return v.check(user, code), nil
}

func (v *TwoFactorVerifier) Enable(ctx context.Context, username, code string) (User, error) {
	user, err := v.users.GetUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return User{}, err
	}
	switch user.TwoFactorState() {
	case TwoFactorActive:
		return User{}, ErrTwoFactorAlreadyEnabled
	case TwoFactorUnset:
		return User{}, ErrTwoFactorNotPending
	}
	if !v.check(user, code) {
		return User{}, ErrInvalidCode
	}
	if err := v.users.SetTwoFactor(ctx, user.ID, user.TwoFactorSecret, true); err != nil {
		return User{}, err
	}
	user.TwoFactorEnabled = true
	return user, nil
}

func (v *TwoFactorVerifier) Disable(ctx context.Context, username, code string) (User, error) {
	user, err := v.users.GetUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		return User{}, err
	}
	if user.TwoFactorState() != TwoFactorActive {
		return User{}, ErrTwoFactorNotEnabled
	}
	if !v.check(user, code) {
		return User{}, ErrInvalidCode
	}
	if err := v.users.SetTwoFactor(ctx, user.ID, nil, false); err != nil {
		return User{}, err
	}
	user.TwoFactorEnabled = false
	user.TwoFactorSecret = nil
	return user, nil
}

func (v *TwoFactorVerifier) check(user User, code string) bool {
	if user.TwoFactorSecret == nil {
		return false
	}
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return false
	}
	ok, err := totp.ValidateCustom(code, *user.TwoFactorSecret, v.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
