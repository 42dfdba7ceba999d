package authorization

import (
	"context"
	"errors"

	"go.uber.org/fx"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidActor   = errors.New("invalid_actor")
	ErrInvalidCompany = errors.New("invalid_company")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
)

// Service answers "may actor perform action on object within company".
// Actors are "user:{uid}" or "system"; system is only assumed by the
// engine's own jobs, never by a request principal.
type Service interface {
	Authorize(ctx context.Context, actor string, companyID string, object string, action string) error
}
