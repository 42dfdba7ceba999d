package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/paintops/crewclock/internal/assignment"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/authorization"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/company"
	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/internal/customer"
	"github.com/paintops/crewclock/internal/estimate"
	invoiceservice "github.com/paintops/crewclock/internal/invoice/service"
	"github.com/paintops/crewclock/internal/job"
	obslogger "github.com/paintops/crewclock/internal/observability/logger"
	obsmetrics "github.com/paintops/crewclock/internal/observability/metrics"
	obstracing "github.com/paintops/crewclock/internal/observability/tracing"
	"github.com/paintops/crewclock/internal/objectstore"
	"github.com/paintops/crewclock/internal/pdf"
	"github.com/paintops/crewclock/internal/timeclock"
	"github.com/paintops/crewclock/internal/timeedit"
	"github.com/paintops/crewclock/internal/timeentry"
	"github.com/paintops/crewclock/internal/user"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(RequestMeta())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	timeclockSvc  *timeclock.Service
	timeeditSvc   *timeedit.Service
	timeentryQ    *timeentry.Query
	invoiceSvc    *invoiceservice.Service
	pdfSvc        *pdf.Service
	jobSvc        *job.Service
	assignmentSvc *assignment.Service
	customerSvc   *customer.Service
	estimateSvc   *estimate.Service
	userSvc       *user.Service
	companySvc    *company.Service
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	store         objectstore.Store
	clock         clock.Clock
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	TimeclockSvc  *timeclock.Service
	TimeeditSvc   *timeedit.Service
	TimeentryQ    *timeentry.Query
	InvoiceSvc    *invoiceservice.Service
	PDFSvc        *pdf.Service
	JobSvc        *job.Service
	AssignmentSvc *assignment.Service
	CustomerSvc   *customer.Service
	EstimateSvc   *estimate.Service
	UserSvc       *user.Service
	CompanySvc    *company.Service
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	Store         objectstore.Store
	Clock         clock.Clock
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		timeclockSvc:  p.TimeclockSvc,
		timeeditSvc:   p.TimeeditSvc,
		timeentryQ:    p.TimeentryQ,
		invoiceSvc:    p.InvoiceSvc,
		pdfSvc:        p.PDFSvc,
		jobSvc:        p.JobSvc,
		assignmentSvc: p.AssignmentSvc,
		customerSvc:   p.CustomerSvc,
		estimateSvc:   p.EstimateSvc,
		userSvc:       p.UserSvc,
		companySvc:    p.CompanySvc,
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		store:         p.Store,
		clock:         p.Clock,
	}

	s.registerRPCRoutes()
	s.registerResourceRoutes()
	s.registerFileRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerRPCRoutes wires the verb-named operations that mobile clients
// call. Field names in the request bodies are wire contracts.
func (s *Server) registerRPCRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	v1.POST("/clockIn", s.ClockIn)
	v1.POST("/clockOut", s.ClockOut)
	v1.POST("/editTimeEntry", s.EditTimeEntry)
	v1.POST("/approveTimeEntry", s.ApproveTimeEntry)
	v1.POST("/generateInvoice", s.GenerateInvoice)
	v1.POST("/getInvoicePDFUrl", s.GetInvoicePDFURL)
	v1.POST("/regenerateInvoicePDF", s.RegenerateInvoicePDF)
	v1.POST("/setUserRole", s.SetUserRole)
}

func (s *Server) registerResourceRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	v1.GET("/timeEntries", s.ListTimeEntries)
	v1.GET("/timeEntries/:id", s.GetTimeEntry)

	v1.GET("/jobs", s.ListJobs)
	v1.POST("/jobs", s.CreateJob)
	v1.GET("/jobs/:id", s.GetJob)
	v1.PATCH("/jobs/:id", s.UpdateJob)

	v1.GET("/assignments", s.ListAssignments)
	v1.POST("/assignments", s.CreateAssignment)
	v1.GET("/assignments/:id", s.GetAssignment)
	v1.POST("/assignments/:id/deactivate", s.DeactivateAssignment)

	v1.GET("/customers", s.ListCustomers)
	v1.POST("/customers", s.CreateCustomer)
	v1.GET("/customers/:id", s.GetCustomer)
	v1.PATCH("/customers/:id", s.UpdateCustomer)

	v1.GET("/estimates", s.ListEstimates)
	v1.POST("/estimates", s.CreateEstimate)
	v1.GET("/estimates/:id", s.GetEstimate)
	v1.POST("/estimates/:id/status", s.UpdateEstimateStatus)

	v1.GET("/users", s.ListUsers)
	v1.GET("/users/:uid", s.GetUser)
	v1.PATCH("/users/:uid", s.UpdateUserProfile)

	v1.GET("/company", s.GetCompany)
	v1.PATCH("/company", s.UpdateCompany)

	v1.GET("/invoices/:id", s.GetInvoice)
	v1.PATCH("/invoices/:id", s.UpdateInvoice)
	v1.POST("/invoices/:id/void", s.VoidInvoice)

	v1.GET("/auditLogs", s.ListAuditLogs)
}

// registerFileRoutes serves signed object-store paths. The signature in
// the query string is the only gate; no session is required so PDF links
// can be opened from email clients.
func (s *Server) registerFileRoutes() {
	s.engine.GET("/files/*path", s.ServeFile)
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

func parseID(raw, field string) (snowflake.ID, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, apperr.InvalidArgument("invalid_"+field, field+" must be a numeric id")
	}
	return snowflake.ID(n), nil
}
