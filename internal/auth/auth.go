// Package auth registers users in a docstore collection and keeps process
// local sessions and one-time passcodes.
//
// Sessions and passcodes live in memory only: a restart invalidates them all.
// Neither expires on its own; callers enforce any lifetime policy, for
// example by reading [Session.Created] or [OTPRecord.Created].
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/maruel/blobdb/internal/docstore"
	"github.com/maruel/blobdb/internal/email"
)

var (
	// ErrConflict is returned by Register when the identity is taken.
	ErrConflict = errors.New("identity already registered")
	// ErrInvalidCredentials is returned by Login for an unknown identity and
	// for a wrong secret alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailNotVerified is returned by Login when verification is required
	// and the secret matched an unverified user.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrSessionNotFound is returned for unknown or destroyed tokens.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOTPNotFound is returned when no passcode is outstanding.
	ErrOTPNotFound = errors.New("no passcode issued")
	// ErrOTPMismatch is returned when the passcode is wrong.
	ErrOTPMismatch = errors.New("passcode mismatch")
	// ErrMissingField is returned by Register when identity or secret is empty.
	ErrMissingField = errors.New("missing field")
)

// OTP purposes used by the service itself.
const (
	PurposeVerifyEmail = "verify-email"
	PurposeLogin       = "login"
)

// OTP triggers accepted in Config.OTPTriggers.
const (
	TriggerRegister = "register"
	TriggerLogin    = "login"
)

// Config is the auth policy.
type Config struct {
	// RequireEmailVerification blocks login until the user verified the
	// passcode sent at registration.
	RequireEmailVerification bool `json:"requireEmailVerification,omitempty" yaml:"requireEmailVerification,omitempty"`
	// OTPTriggers lists the events that issue a passcode: "register", "login".
	OTPTriggers []string `json:"otpTriggers,omitempty" yaml:"otpTriggers,omitempty"`
	// SessionSecret signs session tokens. A random secret is generated when
	// empty, which is fine since sessions do not survive a restart anyway.
	SessionSecret string `json:"sessionSecret,omitempty" yaml:"sessionSecret,omitempty"`
	// Collection holding users. Default "users".
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	// IdentityField is the unique login field. Default "email".
	IdentityField string `json:"identityField,omitempty" yaml:"identityField,omitempty"`
	// SecretField holds the password hash. Default "password".
	SecretField string `json:"secretField,omitempty" yaml:"secretField,omitempty"`
	// DefaultRole is assigned at registration. Default "user".
	DefaultRole string `json:"defaultRole,omitempty" yaml:"defaultRole,omitempty"`
}

// ApplyDefaults fills in the zero fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "users"
	}
	if c.IdentityField == "" {
		c.IdentityField = "email"
	}
	if c.SecretField == "" {
		c.SecretField = "password"
	}
	if c.DefaultRole == "" {
		c.DefaultRole = "user"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	for _, t := range c.OTPTriggers {
		if t != TriggerRegister && t != TriggerLogin {
			return fmt.Errorf("auth: unknown otp trigger %q", t)
		}
	}
	if c.IdentityField != "" && c.IdentityField == c.SecretField {
		return errors.New("auth: identity and secret fields must differ")
	}
	return nil
}

func (c *Config) triggers(t string) bool {
	return slices.Contains(c.OTPTriggers, t)
}

// Session is an authenticated capability handle.
type Session struct {
	Token string
	// User is a snapshot taken at login, without the secret field.
	User    docstore.Document
	Created time.Time
}

// OTPRecord is one outstanding passcode.
type OTPRecord struct {
	OTP     string
	Created time.Time
	Reason  string
}

// Service implements registration, login and passcodes over a Store.
type Service struct {
	store  *docstore.Store
	cfg    Config
	secret []byte
	sender email.Sender
	log    *slog.Logger
	now    func() time.Time
	cost   int

	sessions *xsync.MapOf[string, *Session]
	otps     *xsync.MapOf[string, OTPRecord]

	dummyOnce sync.Once
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithSender sets where passcodes are delivered. Without one, passcodes are
// only stored.
func WithSender(s email.Sender) Option {
	return func(svc *Service) { svc.sender = s }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(svc *Service) { svc.cost = cost }
}

// New returns a Service storing users in store. cfg is copied and defaulted.
func New(store *docstore.Store, cfg Config, opts ...Option) *Service {
	cfg.ApplyDefaults()
	s := &Service{
		store:    store,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		cost:     bcrypt.DefaultCost,
		sessions: xsync.NewMapOf[string, *Session](),
		otps:     xsync.NewMapOf[string, OTPRecord](),
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.SessionSecret != "" {
		s.secret = []byte(cfg.SessionSecret)
	} else {
		s.secret = make([]byte, 32)
		_, _ = rand.Read(s.secret)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Register creates a user. userData must hold the identity and secret
// fields. The secret is stored as a bcrypt hash and never returned.
func (s *Service) Register(ctx context.Context, userData docstore.Document) (docstore.Document, error) {
	identity, _ := userData[s.cfg.IdentityField].(string)
	if identity == "" {
		return nil, fmt.Errorf("%s: %w", s.cfg.IdentityField, ErrMissingField)
	}
	secret, _ := userData[s.cfg.SecretField].(string)
	if secret == "" {
		return nil, fmt.Errorf("%s: %w", s.cfg.SecretField, ErrMissingField)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}
	doc := docstore.Document{
		"verified": false,
		"balance":  0,
		"role":     s.cfg.DefaultRole,
	}
	for k, v := range userData {
		doc[k] = v
	}
	doc[s.cfg.SecretField] = string(hash)
	if s.cfg.RequireEmailVerification {
		doc["verified"] = false
	}

	user, err := s.store.InsertUnique(ctx, s.cfg.Collection, s.cfg.IdentityField, doc)
	if errors.Is(err, docstore.ErrDuplicate) {
		return nil, fmt.Errorf("%s: %w", identity, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "auth: registered", "id", user.ID())
	if s.cfg.RequireEmailVerification || s.cfg.triggers(TriggerRegister) {
		if _, err := s.IssueOTP(ctx, PurposeVerifyEmail, identity); err != nil {
			s.log.WarnContext(ctx, "auth: failed to deliver verification code", "id", user.ID(), "err", err)
		}
	}
	return s.redact(user), nil
}

// Login checks the identity and secret and opens a session.
func (s *Service) Login(ctx context.Context, identity, secret string) (*Session, error) {
	users, err := s.store.Get(ctx, s.cfg.Collection)
	if err != nil {
		return nil, err
	}
	var user docstore.Document
	for _, u := range users {
		if v, ok := u[s.cfg.IdentityField].(string); ok && v == identity && identity != "" {
			user = u
			break
		}
	}
	if user == nil {
		// Burn the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(secret))
		return nil, ErrInvalidCredentials
	}
	stored, _ := user[s.cfg.SecretField].(string)
	if !checkSecret(stored, secret) {
		return nil, ErrInvalidCredentials
	}
	if s.cfg.RequireEmailVerification && user["verified"] != true {
		return nil, ErrEmailNotVerified
	}
	token, err := s.mintToken(user.ID())
	if err != nil {
		return nil, err
	}
	sess := &Session{Token: token, User: s.redact(user), Created: s.now()}
	s.sessions.Store(token, sess)
	s.log.DebugContext(ctx, "auth: session opened", "id", user.ID())
	if s.cfg.triggers(TriggerLogin) {
		if _, err := s.IssueOTP(ctx, PurposeLogin, identity); err != nil {
			s.log.WarnContext(ctx, "auth: failed to deliver login code", "id", user.ID(), "err", err)
		}
	}
	return sess, nil
}

// Session returns the live session for token.
func (s *Service) Session(token string) (*Session, error) {
	if err := s.parseToken(token); err != nil {
		return nil, ErrSessionNotFound
	}
	sess, ok := s.sessions.Load(token)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// DestroySession forgets token. Unknown tokens are ignored.
func (s *Service) DestroySession(token string) {
	s.sessions.Delete(token)
}

// VerifyEmail checks a verify-email passcode and marks the user verified.
func (s *Service) VerifyEmail(ctx context.Context, identity, code string) (docstore.Document, error) {
	if err := s.VerifyOTP(PurposeVerifyEmail, identity, code); err != nil {
		return nil, err
	}
	users, err := s.store.Query(s.cfg.Collection).Where(docstore.Eq(s.cfg.IdentityField, identity)).Exec(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%s: %w", identity, docstore.ErrDocumentNotFound)
	}
	u, err := s.store.Update(ctx, s.cfg.Collection, users[0].ID(), docstore.Document{"verified": true})
	if err != nil {
		return nil, err
	}
	return s.redact(u), nil
}

func (s *Service) redact(u docstore.Document) docstore.Document {
	out := u.Clone()
	delete(out, s.cfg.SecretField)
	return out
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		var b [16]byte
		_, _ = rand.Read(b[:])
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(b[:])), s.cost)
	})
	return s.dummyHash
}
