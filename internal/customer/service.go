package customer

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/crypt"
	"github.com/paintops/crewclock/internal/customer/domain"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Email and phone are the sealed customer fields; name and address stay
// plaintext so invoices and lists remain searchable.
var piiFields = []string{"email", "phone"}

type CreateRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type UpdatePatch struct {
	Name    *string `json:"name,omitempty"`
	Email   *string `json:"email,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Authz  authorization.Service
	Cipher *crypt.Cipher
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	authz  authorization.Service
	cipher *crypt.Cipher
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("customer.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		authz:  p.Authz,
		cipher: p.Cipher,
	}
}

var Module = fx.Module("customer",
	fx.Provide(NewService),
)

// Create registers a billed party. Email and phone are sealed at rest
// when encryption is configured.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Customer, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionCustomerManage); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, apperr.InvalidArgument("missing_name", "name is required")
	}

	now := s.clock.Now()
	customer := domain.Customer{
		ID:        s.genID.Generate(),
		CompanyID: principal.CompanyID,
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		Address:   req.Address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.seal(principal.CompanyID, &customer); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	s.log.Info("customer created",
		zap.String("company_id", principal.CompanyID.String()),
		zap.String("customer_id", customer.ID.String()),
	)
	s.open(principal.CompanyID, &customer)
	return &customer, nil
}

// Update patches a customer, resealing PII fields that change.
func (s *Service) Update(ctx context.Context, customerID snowflake.ID, patch UpdatePatch) (*domain.Customer, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionCustomerManage); err != nil {
		return nil, err
	}
	customer, err := s.load(ctx, principal.CompanyID, customerID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, apperr.InvalidArgument("missing_name", "name cannot be empty")
		}
		customer.Name = *patch.Name
	}
	if patch.Email != nil {
		customer.Email = *patch.Email
	}
	if patch.Phone != nil {
		customer.Phone = *patch.Phone
	}
	if patch.Address != nil {
		customer.Address = *patch.Address
	}
	customer.UpdatedAt = s.clock.Now()
	if err := s.seal(principal.CompanyID, customer); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&domain.Customer{}).
		Where("id = ? AND company_id = ?", customer.ID, principal.CompanyID).
		Updates(map[string]any{
			"name":       customer.Name,
			"email":      customer.Email,
			"phone":      customer.Phone,
			"address":    customer.Address,
			"_encrypted": customer.Encrypted,
			"updated_at": customer.UpdatedAt,
		}).Error
	if err != nil {
		return nil, err
	}
	s.open(principal.CompanyID, customer)
	return customer, nil
}

// Get returns one customer with PII decrypted for the response.
func (s *Service) Get(ctx context.Context, customerID snowflake.ID) (*domain.Customer, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionCustomerView); err != nil {
		return nil, err
	}
	customer, err := s.load(ctx, principal.CompanyID, customerID)
	if err != nil {
		return nil, err
	}
	s.open(principal.CompanyID, customer)
	return customer, nil
}

// List returns the company's customers, name order, PII decrypted.
func (s *Service) List(ctx context.Context) ([]*domain.Customer, error) {
	principal, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, authorization.ActionCustomerView); err != nil {
		return nil, err
	}
	var customers []*domain.Customer
	err = s.db.WithContext(ctx).
		Where("company_id = ?", principal.CompanyID).
		Order("name ASC").
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	for _, customer := range customers {
		s.open(principal.CompanyID, customer)
	}
	return customers, nil
}

func (s *Service) authorize(ctx context.Context, principal tenant.Principal, action string) error {
	err := s.authz.Authorize(ctx, "user:"+principal.UID, principal.CompanyID.String(), authorization.ObjectCustomer, action)
	if errors.Is(err, authorization.ErrForbidden) {
		return apperr.PermissionDenied("insufficient_role", "role may not access customers")
	}
	return err
}

func (s *Service) load(ctx context.Context, companyID, customerID snowflake.ID) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", customerID, companyID).
		First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("customer_not_found", "customer does not exist in this company")
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Service) seal(companyID snowflake.ID, customer *domain.Customer) error {
	if !s.cipher.Enabled() {
		return nil
	}
	doc := map[string]any{"email": customer.Email, "phone": customer.Phone}
	// Cleared fields leave the _encrypted list so empty values are not
	// mistaken for ciphertext.
	current := make([]string, 0, len(customer.Encrypted))
	for _, field := range customer.Encrypted {
		if v, ok := doc[field].(string); ok && v == "" {
			continue
		}
		current = append(current, field)
	}
	encrypted, err := s.cipher.SealFields(companyID, doc, piiFields, current)
	if err != nil {
		return err
	}
	customer.Email, _ = doc["email"].(string)
	customer.Phone, _ = doc["phone"].(string)
	customer.Encrypted = datatypes.JSONSlice[string](encrypted)
	return nil
}

// open decrypts in place for the response; failures leave the sealed
// value rather than failing the read.
func (s *Service) open(companyID snowflake.ID, customer *domain.Customer) {
	doc := map[string]any{"email": customer.Email, "phone": customer.Phone}
	if err := s.cipher.OpenFields(companyID, doc, customer.Encrypted); err != nil {
		s.log.Warn("failed to open sealed customer fields",
			zap.String("customer_id", customer.ID.String()), zap.Error(err))
		return
	}
	customer.Email, _ = doc["email"].(string)
	customer.Phone, _ = doc["phone"].(string)
}
