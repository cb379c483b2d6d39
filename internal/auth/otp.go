package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/maruel/blobdb/internal/email"
)

var otpSpace = big.NewInt(1_000_000)

func otpKey(purpose, identity string) string {
	return purpose + "\x00" + identity
}

// IssueOTP generates a 6 digit passcode for purpose and identity, replacing
// any outstanding one, and hands it to the sender when one is configured.
// The record is stored even if delivery fails.
func (s *Service) IssueOTP(ctx context.Context, purpose, identity string) (OTPRecord, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return OTPRecord{}, err
	}
	rec := OTPRecord{OTP: fmt.Sprintf("%06d", n.Int64()), Created: s.now(), Reason: purpose}
	s.otps.Store(otpKey(purpose, identity), rec)
	s.log.DebugContext(ctx, "auth: passcode issued", "purpose", purpose)
	if s.sender == nil {
		return rec, nil
	}
	subject, body := email.OTPEmail(purpose, rec.OTP)
	if err := s.sender.Send(ctx, identity, subject, body); err != nil {
		return rec, fmt.Errorf("failed to send passcode: %w", err)
	}
	return rec, nil
}

// OTP returns the outstanding passcode record, if any.
func (s *Service) OTP(purpose, identity string) (OTPRecord, bool) {
	return s.otps.Load(otpKey(purpose, identity))
}

// VerifyOTP checks code against the outstanding passcode and consumes it on
// success. A wrong code leaves the record in place.
func (s *Service) VerifyOTP(purpose, identity, code string) error {
	key := otpKey(purpose, identity)
	rec, ok := s.otps.Load(key)
	if !ok {
		return ErrOTPNotFound
	}
	if subtle.ConstantTimeCompare([]byte(rec.OTP), []byte(code)) != 1 {
		return ErrOTPMismatch
	}
	s.otps.Delete(key)
	return nil
}

// ClearOTP drops the outstanding passcode, if any.
func (s *Service) ClearOTP(purpose, identity string) {
	s.otps.Delete(otpKey(purpose, identity))
}
