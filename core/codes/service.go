package codes

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"incident-desk/core/apperr"
	"incident-desk/core/notify"
	"incident-desk/core/rbac"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const maxGenerateAttempts = 5

type Service struct {
	codes    store.CodesStore
	users    store.UsersStore
	notifier *notify.Notifier
	ttl      time.Duration
	logger   *utils.Logger
	now      func() time.Time
}

func NewService(codes store.CodesStore, users store.UsersStore, notifier *notify.Notifier, ttl time.Duration, logger *utils.Logger) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{codes: codes, users: users, notifier: notifier, ttl: ttl, logger: logger, now: utils.NowUTC}
}

type RequestInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Issued struct {
	Code      *store.VerificationCode
	EmailSent bool
	Warning   string
}

// Request issues a new code for (email, role). The code row is kept even when
// the email cannot be delivered.
func (s *Service) Request(ctx context.Context, in RequestInput) (*Issued, error) {
	name := strings.TrimSpace(in.Name)
	email := utils.NormalizeEmail(in.Email)
	role := strings.TrimSpace(in.Role)
	if name == "" || email == "" || role == "" {
		return nil, apperr.Validation("name, email and role are required")
	}
	if err := utils.ValidateEmail(email); err != nil {
		return nil, apperr.Validation("invalid email")
	}
	if !rbac.IsRequestable(role) {
		return nil, apperr.Validation("role must be one of: %s", strings.Join(rbac.RequestableRoles, ", "))
	}
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Conflict("this email is already registered")
	}
	now := s.now()
	code := &store.VerificationCode{
		Email:         email,
		RequesterName: name,
		Role:          role,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.insertWithFreshCode(ctx, code); err != nil {
		return nil, err
	}
	issued := &Issued{Code: code}
	res := s.notifier.VerificationCode(ctx, email, name, code.Code, role, s.ttl)
	if res.Success {
		if err := s.codes.MarkEmailSent(ctx, code.ID); err != nil {
			s.logger.Errorf("codes: mark email sent %d: %v", code.ID, err)
		} else {
			code.EmailSent = true
		}
		issued.EmailSent = true
	} else {
		issued.Warning = "the code was created but the email could not be sent"
	}
	return issued, nil
}

func (s *Service) insertWithFreshCode(ctx context.Context, code *store.VerificationCode) error {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		raw, err := utils.RandHex(4)
		if err != nil {
			return err
		}
		code.Code = strings.ToUpper(raw)
		_, err = s.codes.Create(ctx, code)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrActiveCode) {
			return apperr.Conflict("an active code already exists for this email, check your inbox or wait for it to expire")
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	return errors.New("could not generate a unique verification code")
}

// Validate checks (code, email, role) against active codes without consuming.
func (s *Service) Validate(ctx context.Context, code, email, role string) (*store.VerificationCode, error) {
	code = strings.TrimSpace(code)
	email = utils.NormalizeEmail(email)
	if code == "" || email == "" || role == "" {
		return nil, apperr.Validation("code, email and role are required")
	}
	found, err := s.codes.FindValid(ctx, code, email, role, s.now())
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apperr.Validation("invalid or expired verification code")
	}
	return found, nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]store.VerificationCode, error) {
	items, err := s.codes.List(ctx, activeOnly, s.now())
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.VerificationCode{}
	}
	return items, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.codes.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("code not found")
		}
		return err
	}
	return nil
}

// PurgeExpired drops unused codes that expired before now. Used codes stay as
// the record of who registered with them.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.codes.PurgeExpired(ctx, now)
}

func (s *Service) Counts(ctx context.Context) (store.CodeCounts, error) {
	return s.codes.Counts(ctx)
}
