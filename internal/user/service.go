package user

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/audit/masking"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/crypt"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/internal/user/domain"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const phoneField = "phone"

// ProfilePatch carries the mutable user fields. CompanyID is immutable;
// a patch naming it is rejected and recorded as a critical security
// event.
type ProfilePatch struct {
	DisplayName *string `json:"displayName,omitempty"`
	Phone       *string `json:"phone,omitempty"`

	CompanyID *string `json:"companyId,omitempty"`
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Authz  authorization.Service
	Audit  auditdomain.Service
	Cipher *crypt.Cipher
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	authz  authorization.Service
	audit  auditdomain.Service
	cipher *crypt.Cipher
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("user.service"),
		clock:  p.Clock,
		authz:  p.Authz,
		audit:  p.Audit,
		cipher: p.Cipher,
	}
}

var Module = fx.Module("user",
	fx.Provide(NewService),
)

// Get returns one user in the caller's company. Workers can only read
// themselves.
func (s *Service) Get(ctx context.Context, uid string) (*domain.User, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if !principal.IsSelf(uid) {
		if err := s.authorize(ctx, principal, authorization.ActionUserView); err != nil {
			return nil, err
		}
	}
	user, err := s.load(ctx, principal.CompanyID, uid)
	if err != nil {
		return nil, err
	}
	s.openPhone(principal, user)
	return user, nil
}

// List returns the company roster.
func (s *Service) List(ctx context.Context) ([]*domain.User, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionUserView); err != nil {
		return nil, err
	}
	var users []*domain.User
	err = s.db.WithContext(ctx).
		Where("company_id = ?", principal.CompanyID).
		Order("uid ASC").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		s.openPhone(principal, user)
	}
	return users, nil
}

// SetRole changes a user's role and records the change in the security
// audit trail.
func (s *Service) SetRole(ctx context.Context, uid, role string) (*domain.User, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionUserSetRole); err != nil {
		return nil, err
	}

	role = strings.ToLower(strings.TrimSpace(role))
	if !tenant.ValidRole(role) {
		return nil, apperr.InvalidArgument("invalid_role", "role must be one of admin, manager, staff, worker")
	}

	user, err := s.load(ctx, principal.CompanyID, uid)
	if err != nil {
		return nil, err
	}
	if user.Role == role {
		return user, nil
	}

	oldRole := user.Role
	now := s.clock.Now()
	err = s.db.WithContext(ctx).Model(&domain.User{}).
		Where("uid = ? AND company_id = ?", uid, principal.CompanyID).
		Updates(map[string]any{"role": role, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}

	actor := principal.UID
	s.audit.Record(ctx, auditdomain.Entry{
		CompanyID:  &principal.CompanyID,
		EventType:  auditdomain.EventRoleChanged,
		ActorType:  "user",
		ActorUID:   &actor,
		TargetType: "user",
		TargetID:   &uid,
		Metadata: map[string]any{
			"oldRole": oldRole,
			"newRole": role,
		},
	})
	// The access claims derived from the role record changed with it.
	s.audit.Record(ctx, auditdomain.Entry{
		CompanyID:  &principal.CompanyID,
		EventType:  auditdomain.EventClaimsUpdated,
		ActorType:  "user",
		ActorUID:   &actor,
		TargetType: "user",
		TargetID:   &uid,
		Metadata: map[string]any{
			"claims": map[string]any{
				"companyId": principal.CompanyID.String(),
				"role":      role,
			},
		},
	})
	s.log.Info("user role changed",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("uid", masking.MaskValue(uid)),
		zap.String("old_role", oldRole),
		zap.String("new_role", role),
	)

	user.Role = role
	user.UpdatedAt = now
	return user, nil
}

// UpdateProfile patches display name and phone. Phone is PII and stored
// sealed when encryption is configured.
func (s *Service) UpdateProfile(ctx context.Context, uid string, patch ProfilePatch) (*domain.User, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if !principal.IsSelf(uid) {
		if err := s.authorize(ctx, principal, authorization.ActionUserSetRole); err != nil {
			return nil, err
		}
	}

	if patch.CompanyID != nil {
		actor := principal.UID
		s.audit.Record(ctx, auditdomain.Entry{
			CompanyID:  &principal.CompanyID,
			EventType:  auditdomain.EventCompanyIDChangeAttempt,
			ActorType:  "user",
			ActorUID:   &actor,
			TargetType: "user",
			TargetID:   &uid,
			Metadata: map[string]any{
				"attemptedCompanyId": *patch.CompanyID,
			},
		})
		return nil, apperr.PermissionDenied("immutable_field", "companyId cannot change after the first bind")
	}

	user, err := s.load(ctx, principal.CompanyID, uid)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"updated_at": s.clock.Now()}
	encrypted := []string(user.Encrypted)
	if patch.DisplayName != nil {
		updates["display_name"] = *patch.DisplayName
	}
	if patch.Phone != nil {
		phone := *patch.Phone
		if phone != "" && s.cipher.Enabled() {
			sealed, err := s.cipher.Seal(principal.CompanyID, phone)
			if err != nil {
				return nil, err
			}
			phone = sealed
			encrypted = addEncryptedField(encrypted, phoneField)
		} else {
			encrypted = removeEncryptedField(encrypted, phoneField)
		}
		updates["phone"] = phone
		updates["_encrypted"] = datatypes.JSONSlice[string](encrypted)
	}

	err = s.db.WithContext(ctx).Model(&domain.User{}).
		Where("uid = ? AND company_id = ?", uid, principal.CompanyID).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	updated, err := s.load(ctx, principal.CompanyID, uid)
	if err != nil {
		return nil, err
	}
	s.openPhone(principal, updated)
	return updated, nil
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectUser, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not manage users")
	}
	return err
}

func (s *Service) load(ctx context.Context, companyID snowflake.ID, uid string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).
		Where("uid = ? AND company_id = ?", uid, companyID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("user_not_found", "user does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// openPhone decrypts the stored phone in place for the response; open
// failures leave the field sealed rather than failing the read.
func (s *Service) openPhone(principal tenant.Principal, user *domain.User) {
	if user.Phone == "" || !crypt.IsSealed(user.Phone) {
		return
	}
	plain, err := s.cipher.Open(principal.CompanyID, user.Phone)
	if err != nil {
		s.log.Warn("failed to open sealed phone", zap.String("uid", masking.MaskValue(user.UID)), zap.Error(err))
		return
	}
	user.Phone = plain
}

func addEncryptedField(fields []string, name string) []string {
	for _, f := range fields {
		if f == name {
			return fields
		}
	}
	return append(fields, name)
}

func removeEncryptedField(fields []string, name string) []string {
	out := fields[:0]
	for _, f := range fields {
		if f != name {
			out = append(out, f)
		}
	}
	return out
}
