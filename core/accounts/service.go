package accounts

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"incident-desk/core/apperr"
	"incident-desk/core/auth"
	"incident-desk/core/codes"
	"incident-desk/core/notify"
	"incident-desk/core/rbac"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const defaultRejectReason = "not specified"

var errUserNotFound = apperr.NotFound("user not found")

type Service struct {
	users      store.UsersStore
	codes      *codes.Service
	notifier   *notify.Notifier
	bcryptCost int
	logger     *utils.Logger
	now        func() time.Time
}

func NewService(users store.UsersStore, codeSvc *codes.Service, notifier *notify.Notifier, bcryptCost int, logger *utils.Logger) *Service {
	return &Service{
		users:      users,
		codes:      codeSvc,
		notifier:   notifier,
		bcryptCost: bcryptCost,
		logger:     logger,
		now:        utils.NowUTC,
	}
}

type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Code     string `json:"code"`
}

type Registration struct {
	User *store.User
	// CodeID is set when a verification code was consumed.
	CodeID int64
}

// Outcome carries the best-effort email result next to a completed mutation.
type Outcome struct {
	User      *store.User
	EmailSent bool
	Warning   string
}

func (in RegisterInput) normalize() (RegisterInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = utils.NormalizeEmail(in.Email)
	in.Role = strings.TrimSpace(in.Role)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	if in.Name == "" || in.Email == "" || in.Password == "" {
		return in, apperr.Validation("name, email and password are required")
	}
	if err := utils.ValidateEmail(in.Email); err != nil {
		return in, apperr.Validation("invalid email")
	}
	if len(in.Password) < auth.MinPasswordLength {
		return in, apperr.Validation("%s", auth.ErrWeakPassword.Error())
	}
	return in, nil
}

func (s *Service) ensureEmailFree(ctx context.Context, email string, selfID int64) error {
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != selfID {
		return apperr.Conflict("this email is already registered")
	}
	return nil
}

// RegisterPublic is self-registration. Clients are approved immediately; any
// other role consumes a verification code and waits for an Administrator.
func (s *Service) RegisterPublic(ctx context.Context, in RegisterInput) (*Registration, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	if in.Role == "" {
		in.Role = rbac.RoleClient
	}
	if in.Role != rbac.RoleClient && !rbac.IsRequestable(in.Role) {
		return nil, apperr.Validation("role %q cannot be requested", in.Role)
	}
	if err := s.ensureEmailFree(ctx, in.Email, 0); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &store.User{Name: in.Name, Email: in.Email, PasswordHash: hash, Role: in.Role, Active: true}
	if in.Role == rbac.RoleClient {
		user.Approved = true
		if _, err := s.users.Create(ctx, user); err != nil {
			return nil, mapDuplicate(err)
		}
		return &Registration{User: user}, nil
	}

	if in.Code == "" {
		return nil, apperr.Validation("a verification code is required to register with this role")
	}
	code, err := s.codes.Validate(ctx, in.Code, in.Email, in.Role)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.CreateWithCode(ctx, user, code.ID); err != nil {
		if errors.Is(err, store.ErrCodeUnavailable) {
			return nil, apperr.Validation("invalid or expired verification code")
		}
		return nil, mapDuplicate(err)
	}
	s.notifyAdmins(ctx, user)
	return &Registration{User: user, CodeID: code.ID}, nil
}

func (s *Service) notifyAdmins(ctx context.Context, user *store.User) {
	active := true
	admins, err := s.users.List(ctx, store.UserFilter{Roles: []string{rbac.RoleAdministrator}, Active: &active})
	if err != nil {
		s.logger.Errorf("accounts: list admins for registration notice: %v", err)
		return
	}
	for _, admin := range admins {
		s.notifier.NewRegistration(ctx, admin.Email, user.Name, user.Email, user.Role)
	}
}

// RegisterByAdmin creates a pre-approved account of any role.
func (s *Service) RegisterByAdmin(ctx context.Context, actor *store.User, in RegisterInput) (*store.User, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	if in.Role == "" {
		in.Role = rbac.RoleClient
	}
	if !rbac.ValidRole(in.Role) {
		return nil, apperr.Validation("invalid role %q", in.Role)
	}
	if err := s.ensureEmailFree(ctx, in.Email, 0); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	now := s.now()
	user := &store.User{
		Name: in.Name, Email: in.Email, PasswordHash: hash, Role: in.Role,
		Active: true, Approved: true, ApprovedAt: &now,
	}
	if actor != nil {
		user.ApprovedBy = &actor.ID
	}
	if _, err := s.users.Create(ctx, user); err != nil {
		return nil, mapDuplicate(err)
	}
	return user, nil
}

// SeedAdmin creates the initial Administrator when none is active. It is a
// no-op when the bootstrap credentials are empty.
func (s *Service) SeedAdmin(ctx context.Context, name, email, password string) (*store.User, error) {
	email = utils.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, nil
	}
	n, err := s.users.CountActiveAdmins(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.Warnf("accounts: bootstrap email %s belongs to a non-admin account, skipping seed", email)
		return nil, nil
	}
	if strings.TrimSpace(name) == "" {
		name = rbac.RoleAdministrator
	}
	user, err := s.RegisterByAdmin(ctx, nil, RegisterInput{Name: name, Email: email, Password: password, Role: rbac.RoleAdministrator})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("accounts: seeded administrator %s (id=%d)", user.Email, user.ID)
	return user, nil
}

// List serves the user directory; filter is "pending", "approved" or empty.
func (s *Service) List(ctx context.Context, filter string) ([]store.User, error) {
	f := store.UserFilter{}
	switch filter {
	case "pending":
		f.Approved = boolPtr(false)
	case "approved":
		f.Approved = boolPtr(true)
	case "", "all":
	default:
		return nil, apperr.Validation("filter must be pending or approved")
	}
	return s.list(ctx, f)
}

// AdminList backs the admin console. state defaults to pending.
func (s *Service) AdminList(ctx context.Context, state, search string) ([]store.User, error) {
	f := store.UserFilter{Search: search}
	switch state {
	case "", "pending":
		f.Approved = boolPtr(false)
	case "approved":
		f.Approved = boolPtr(true)
	case "active":
		f.Approved = boolPtr(true)
		f.Active = boolPtr(true)
	case "inactive":
		f.Approved = boolPtr(true)
		f.Active = boolPtr(false)
	case "all":
	default:
		return nil, apperr.Validation("state must be one of pending, approved, active, inactive, all")
	}
	return s.list(ctx, f)
}

// Assignees lists active, approved users that incidents can be assigned to.
func (s *Service) Assignees(ctx context.Context) ([]store.User, error) {
	return s.list(ctx, store.UserFilter{Roles: rbac.AssigneeRoles, Approved: boolPtr(true), Active: boolPtr(true)})
}

// Selectable lists approved, active users for filter drop-downs.
func (s *Service) Selectable(ctx context.Context) ([]store.User, error) {
	return s.list(ctx, store.UserFilter{Approved: boolPtr(true), Active: boolPtr(true)})
}

func (s *Service) list(ctx context.Context, f store.UserFilter) ([]store.User, error) {
	items, err := s.users.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.User{}
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUserNotFound
	}
	return user, nil
}

type UpdateInput struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Role     *string `json:"role"`
	Active   *bool   `json:"active"`
	Password *string `json:"password"`
}

func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*store.User, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := *user
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("name cannot be empty")
		}
		next.Name = name
	}
	if in.Email != nil {
		email := utils.NormalizeEmail(*in.Email)
		if err := utils.ValidateEmail(email); err != nil {
			return nil, apperr.Validation("invalid email")
		}
		if email != user.Email {
			if err := s.ensureEmailFree(ctx, email, user.ID); err != nil {
				return nil, err
			}
		}
		next.Email = email
	}
	if in.Role != nil {
		if !rbac.ValidRole(*in.Role) {
			return nil, apperr.Validation("invalid role %q", *in.Role)
		}
		next.Role = *in.Role
	}
	if in.Active != nil {
		next.Active = *in.Active
	}
	if in.Password != nil && *in.Password != "" {
		hash, err := auth.HashPassword(*in.Password, s.bcryptCost)
		if err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
		next.PasswordHash = hash
	}
	if err := s.save(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Approve activates a pending account and tells the user by email.
func (s *Service) Approve(ctx context.Context, actor *store.User, id int64) (*Outcome, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Approved {
		return nil, apperr.Conflict("user is already approved")
	}
	now := s.now()
	user.Approved = true
	user.Active = true
	user.ApprovedAt = &now
	if actor != nil {
		user.ApprovedBy = &actor.ID
	}
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	out := &Outcome{User: user}
	if res := s.notifier.AccountApproved(ctx, user.Email, user.Name, user.Role); res.Success {
		out.EmailSent = true
	} else {
		out.Warning = "the user was approved but the notification email could not be sent"
	}
	return out, nil
}

// Reject removes a pending account. Approved accounts must be deleted instead.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (*Outcome, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Approved {
		return nil, apperr.Validation("only pending users can be rejected")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultRejectReason
	}
	user.RejectionReason = reason
	if err := s.users.Delete(ctx, user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, err
	}
	out := &Outcome{User: user}
	if res := s.notifier.AccountRejected(ctx, user.Email, user.Name, user.Role, reason); res.Success {
		out.EmailSent = true
	} else {
		out.Warning = "the user was rejected but the notification email could not be sent"
	}
	return out, nil
}

func (s *Service) ToggleActive(ctx context.Context, id int64) (*store.User, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.Approved {
		return nil, apperr.Validation("the user must be approved first")
	}
	user.Active = !user.Active
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) ChangeRole(ctx context.Context, id int64, role string) (*store.User, error) {
	role = strings.TrimSpace(role)
	if !rbac.ValidRole(role) {
		return nil, apperr.Validation("role must be one of: %s", strings.Join(rbac.AllRoles, ", "))
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	user.Role = role
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) Delete(ctx context.Context, id int64) (*store.User, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.users.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, mapLastAdmin(err)
	}
	return user, nil
}

type Stats struct {
	Users store.UserCounts `json:"users"`
	Codes store.CodeCounts `json:"codes"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	users, err := s.users.Counts(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Users: users}
	if s.codes != nil {
		if st.Codes, err = s.codes.Counts(ctx); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Service) save(ctx context.Context, user *store.User) error {
	if err := s.users.Update(ctx, user); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errUserNotFound
		}
		return mapLastAdmin(mapDuplicate(err))
	}
	return nil
}

func mapDuplicate(err error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return apperr.Conflict("this email is already registered")
	}
	return err
}

// mapLastAdmin turns the store's last-administrator guard into a conflict.
func mapLastAdmin(err error) error {
	if errors.Is(err, store.ErrLastAdmin) {
		return apperr.Conflict("at least one active administrator must remain")
	}
	return err
}

func boolPtr(v bool) *bool {
	return &v
}
