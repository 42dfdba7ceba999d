package main

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/paintops/crewclock/internal/assignment"
	"github.com/paintops/crewclock/internal/audit"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/cleanup"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/company"
	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/internal/crypt"
	"github.com/paintops/crewclock/internal/customer"
	"github.com/paintops/crewclock/internal/estimate"
	"github.com/paintops/crewclock/internal/events"
	"github.com/paintops/crewclock/internal/idempotency"
	"github.com/paintops/crewclock/internal/invoice"
	"github.com/paintops/crewclock/internal/job"
	"github.com/paintops/crewclock/internal/kv"
	"github.com/paintops/crewclock/internal/migration"
	"github.com/paintops/crewclock/internal/observability"
	"github.com/paintops/crewclock/internal/objectstore"
	"github.com/paintops/crewclock/internal/pdf"
	"github.com/paintops/crewclock/internal/probes"
	"github.com/paintops/crewclock/internal/reaper"
	"github.com/paintops/crewclock/internal/scheduler"
	"github.com/paintops/crewclock/internal/server"
	"github.com/paintops/crewclock/internal/timeclock"
	"github.com/paintops/crewclock/internal/timeedit"
	"github.com/paintops/crewclock/internal/timeentry"
	"github.com/paintops/crewclock/internal/user"
	"github.com/paintops/crewclock/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		clock.Module,
		db.Module,
		migration.Module,
		kv.Module,
		events.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(NewCipher),
		fx.Provide(NewIdempotencyStore),

		// Cross-cutting services
		audit.Module,
		authorization.Module,
		objectstore.Module,

		// Functional domains
		timeclock.Module,
		timeedit.Module,
		timeentry.Module,
		invoice.Module,
		pdf.Module,
		job.Module,
		assignment.Module,
		customer.Module,
		estimate.Module,
		user.Module,
		company.Module,

		// Background jobs
		reaper.Module,
		cleanup.Module,
		probes.Module,
		scheduler.Module,

		// HTTP surface
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func NewCipher(cfg config.Config) (*crypt.Cipher, error) {
	return crypt.New(cfg.EncryptionMasterKey)
}

func NewIdempotencyStore(cfg config.Config) *idempotency.Store {
	ttl := time.Duration(cfg.IdempotencyTTLHours) * time.Hour
	return idempotency.NewStore(ttl)
}
