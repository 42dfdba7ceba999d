package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectTimeEntry  = "time_entry"
	ObjectClock      = "clock"
	ObjectInvoice    = "invoice"
	ObjectInvoicePDF = "invoice_pdf"
	ObjectJob        = "job"
	ObjectAssignment = "assignment"
	ObjectCustomer   = "customer"
	ObjectEstimate   = "estimate"
	ObjectUser       = "user"
	ObjectCompany    = "company"
	ObjectAuditLog   = "audit_log"
)

const (
	ActionClockIn  = "clock.in"
	ActionClockOut = "clock.out"

	ActionTimeEntryView    = "time_entry.view"
	ActionTimeEntryViewOwn = "time_entry.view_own"
	ActionTimeEntryEdit    = "time_entry.edit"
	ActionTimeEntryApprove = "time_entry.approve"

	ActionInvoiceView     = "invoice.view"
	ActionInvoiceGenerate = "invoice.generate"
	ActionInvoiceUpdate   = "invoice.update"
	ActionInvoiceVoid     = "invoice.void"

	ActionInvoicePDFView       = "invoice_pdf.view"
	ActionInvoicePDFRegenerate = "invoice_pdf.regenerate"

	ActionJobView   = "job.view"
	ActionJobManage = "job.manage"

	ActionAssignmentView   = "assignment.view"
	ActionAssignmentManage = "assignment.manage"

	ActionCustomerView   = "customer.view"
	ActionCustomerManage = "customer.manage"

	ActionEstimateView   = "estimate.view"
	ActionEstimateManage = "estimate.manage"

	ActionUserView    = "user.view"
	ActionUserSetRole = "user.set_role"

	ActionCompanyView   = "company.view"
	ActionCompanyUpdate = "company.update"

	ActionAuditLogView = "audit_log.view"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, companyID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return ErrInvalidCompany
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorUID, err := s.resolveActor(ctx, actor, companyID)
	if err != nil {
		s.auditDenied(ctx, actorType, actorUID, companyID, object, action)
		return err
	}

	domain := fmt.Sprintf("company:%s", companyID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorUID, companyID, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, companyID string) (string, string, string, *string, error) {
	if actor == "system" {
		return actor, "role:engine", "system", nil, nil
	}
	if uid, ok := strings.CutPrefix(actor, "user:"); ok {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		parsedCompanyID, err := snowflake.ParseString(companyID)
		if err != nil || parsedCompanyID == 0 {
			return actor, "", "user", &uid, ErrInvalidCompany
		}
		role, err := s.roleForUser(ctx, parsedCompanyID, uid)
		if err != nil {
			return actor, "", "user", &uid, err
		}
		return actor, fmt.Sprintf("role:%s", strings.ToLower(role)), "user", &uid, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

// roleForUser reads the role from the user record. Membership in the
// company is established here too: a user row outside companyID yields
// forbidden, never a role from another tenant.
func (s *ServiceImpl) roleForUser(ctx context.Context, companyID snowflake.ID, uid string) (string, error) {
	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM users
		 WHERE company_id = ? AND uid = ?
		 LIMIT 1`,
		companyID,
		uid,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := strings.TrimSpace(row.Role)
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorUID *string, companyID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedCompanyID, err := snowflake.ParseString(companyID)
	if err != nil || parsedCompanyID == 0 {
		return
	}
	targetID := object
	s.auditSvc.Record(ctx, auditdomain.Entry{
		CompanyID:  &parsedCompanyID,
		EventType:  auditdomain.EventAuthorizationDenied,
		ActorType:  actorType,
		ActorUID:   actorUID,
		TargetType: "capability",
		TargetID:   &targetID,
		Metadata: map[string]any{
			"object": object,
			"action": action,
		},
	})
}

// rolePermissions is the flattened permission matrix. Each role carries
// its full set so authorization never depends on cross-domain role links.
var rolePermissions = map[string][][2]string{
	"role:worker": {
		{ObjectClock, ActionClockIn},
		{ObjectClock, ActionClockOut},
		{ObjectTimeEntry, ActionTimeEntryViewOwn},
		{ObjectJob, ActionJobView},
		{ObjectAssignment, ActionAssignmentView},
	},
	"role:staff": {
		{ObjectTimeEntry, ActionTimeEntryView},
		{ObjectTimeEntry, ActionTimeEntryViewOwn},
		{ObjectJob, ActionJobView},
		{ObjectAssignment, ActionAssignmentView},
		{ObjectCustomer, ActionCustomerView},
		{ObjectEstimate, ActionEstimateView},
		{ObjectInvoice, ActionInvoiceView},
		{ObjectCompany, ActionCompanyView},
	},
	"role:manager": {
		{ObjectTimeEntry, ActionTimeEntryEdit},
		{ObjectTimeEntry, ActionTimeEntryApprove},
		{ObjectInvoice, ActionInvoiceGenerate},
		{ObjectInvoice, ActionInvoiceUpdate},
		{ObjectInvoicePDF, ActionInvoicePDFView},
		{ObjectInvoicePDF, ActionInvoicePDFRegenerate},
		{ObjectJob, ActionJobManage},
		{ObjectAssignment, ActionAssignmentManage},
		{ObjectCustomer, ActionCustomerManage},
		{ObjectEstimate, ActionEstimateManage},
		{ObjectUser, ActionUserView},
	},
	"role:admin": {
		{ObjectUser, ActionUserSetRole},
		{ObjectCompany, ActionCompanyUpdate},
		{ObjectAuditLog, ActionAuditLogView},
		{ObjectInvoice, ActionInvoiceVoid},
	},
	// The engine role backs scheduled jobs and the PDF pipeline.
	"role:engine": {
		{ObjectClock, ActionClockOut},
		{ObjectTimeEntry, ActionTimeEntryView},
		{ObjectTimeEntry, ActionTimeEntryEdit},
		{ObjectInvoice, ActionInvoiceView},
		{ObjectInvoice, ActionInvoiceGenerate},
		{ObjectInvoicePDF, ActionInvoicePDFView},
		{ObjectInvoicePDF, ActionInvoicePDFRegenerate},
	},
}

// inherits flattens the role ladder: each role also carries everything
// the roles below it can do.
var inherits = map[string][]string{
	"role:staff":   {"role:worker"},
	"role:manager": {"role:staff", "role:worker"},
	"role:admin":   {"role:manager", "role:staff", "role:worker"},
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	for role, perms := range rolePermissions {
		seen := map[string]bool{}
		add := func(object, action string) error {
			key := object + "|" + action
			if seen[key] {
				return nil
			}
			seen[key] = true
			_, err := enforcer.AddPolicy(role, "*", object, action)
			return err
		}

		for _, perm := range perms {
			if err := add(perm[0], perm[1]); err != nil {
				return err
			}
		}
		for _, base := range inherits[role] {
			for _, perm := range rolePermissions[base] {
				if err := add(perm[0], perm[1]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
