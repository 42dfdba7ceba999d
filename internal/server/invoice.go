package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	invoicedomain "github.com/paintops/crewclock/internal/invoice/domain"
	invoiceservice "github.com/paintops/crewclock/internal/invoice/service"
	"github.com/paintops/crewclock/internal/tenant"
	"github.com/paintops/crewclock/pkg/apperr"
)

type generateInvoiceRequest struct {
	CompanyID     string   `json:"companyId,omitempty"`
	CustomerID    string   `json:"customerId"`
	TimeEntryIDs  []string `json:"timeEntryIds,omitempty"`
	JobID         string   `json:"jobId,omitempty"`
	PeriodStart   *string  `json:"periodStart,omitempty"`
	PeriodEnd     *string  `json:"periodEnd,omitempty"`
	DueDate       string   `json:"dueDate,omitempty"`
	TaxRate       *float64 `json:"taxRate,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	ClientEventID string   `json:"clientEventId,omitempty"`
}

func (s *Server) GenerateInvoice(c *gin.Context) {
	var req generateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}

	principal, err := tenant.Require(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// A mismatched companyId in the body is a cross-tenant attempt, not a
	// typo; record it before rejecting.
	if req.CompanyID != "" && req.CompanyID != principal.CompanyID.String() {
		actor := principal.UID
		s.auditSvc.Record(c.Request.Context(), auditdomain.Entry{
			CompanyID:  &principal.CompanyID,
			EventType:  auditdomain.EventCrossTenantAccess,
			ActorType:  "user",
			ActorUID:   &actor,
			TargetType: "company",
			TargetID:   &req.CompanyID,
			Metadata:   map[string]any{"operation": "generateInvoice"},
		})
		AbortWithError(c, apperr.PermissionDenied("cross_tenant", "companyId does not match the caller's company"))
		return
	}

	svcReq := invoiceservice.GenerateRequest{
		TaxRate:       req.TaxRate,
		Notes:         req.Notes,
		ClientEventID: req.ClientEventID,
	}
	svcReq.CustomerID, err = parseID(req.CustomerID, "customerId")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	for _, raw := range req.TimeEntryIDs {
		id, err := parseID(raw, "timeEntryIds")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		svcReq.TimeEntryIDs = append(svcReq.TimeEntryIDs, id)
	}
	if req.JobID != "" {
		svcReq.JobID, err = parseID(req.JobID, "jobId")
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			AbortWithError(c, apperr.InvalidArgument("invalid_due_date", "dueDate must be YYYY-MM-DD"))
			return
		}
		svcReq.DueDate = due
	}
	if req.PeriodStart != nil {
		start, err := parseDate(*req.PeriodStart, "periodStart")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		svcReq.PeriodStart = &start
	}
	if req.PeriodEnd != nil {
		end, err := parseDate(*req.PeriodEnd, "periodEnd")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		svcReq.PeriodEnd = &end
	}

	result, err := s.invoiceSvc.Generate(c.Request.Context(), svcReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":                  true,
		"invoiceId":           result.Invoice.ID.String(),
		"amount":              result.Invoice.Amount,
		"lineItems":           result.Invoice.Items,
		"timeEntriesInvoiced": result.EntriesInvoiced,
		"replayed":            result.Replayed,
	})
}

type invoicePDFURLRequest struct {
	InvoiceID string `json:"invoiceId"`
	ExpiresIn *int64 `json:"expiresIn,omitempty"`
}

func (s *Server) GetInvoicePDFURL(c *gin.Context) {
	var req invoicePDFURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	invoiceID, err := parseID(req.InvoiceID, "invoiceId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var ttl time.Duration
	if req.ExpiresIn != nil {
		if *req.ExpiresIn <= 0 {
			AbortWithError(c, apperr.InvalidArgument("invalid_expires_in", "expiresIn must be positive seconds"))
			return
		}
		ttl = time.Duration(*req.ExpiresIn) * time.Second
	}

	result, err := s.pdfSvc.GetURL(c.Request.Context(), invoiceID, ttl)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"url":       result.URL,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
	})
}

type regenerateInvoicePDFRequest struct {
	InvoiceID string `json:"invoiceId"`
}

func (s *Server) RegenerateInvoicePDF(c *gin.Context) {
	var req regenerateInvoicePDFRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	invoiceID, err := parseID(req.InvoiceID, "invoiceId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.pdfSvc.Regenerate(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "pdfPath": invoice.PDFPath})
}

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoice, err := s.invoiceSvc.Get(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// UpdateInvoice patches the mutable invoice fields. Any other field in
// the body is an attempt to rewrite billing data and is recorded before
// the request is refused.
func (s *Server) UpdateInvoice(c *gin.Context) {
	invoiceID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}

	for field := range raw {
		switch field {
		case "status", "notes", "dueDate":
		default:
			principal, perr := tenant.Require(c.Request.Context())
			if perr != nil {
				AbortWithError(c, perr)
				return
			}
			actor := principal.UID
			target := invoiceID.String()
			s.auditSvc.Record(c.Request.Context(), auditdomain.Entry{
				CompanyID:  &principal.CompanyID,
				EventType:  auditdomain.EventInvoiceFraudAttempt,
				ActorType:  "user",
				ActorUID:   &actor,
				TargetType: "invoice",
				TargetID:   &target,
				Metadata:   map[string]any{"attempted_field": field},
			})
			AbortWithError(c, apperr.PermissionDenied("immutable_invoice_field", field+" cannot be updated"))
			return
		}
	}

	patch := invoiceservice.UpdatePatch{}
	if v, ok := raw["status"]; ok {
		var status string
		if err := json.Unmarshal(v, &status); err != nil {
			AbortWithError(c, invalidBody(err))
			return
		}
		parsed := invoicedomain.InvoiceStatus(status)
		patch.Status = &parsed
	}
	if v, ok := raw["notes"]; ok {
		var notes string
		if err := json.Unmarshal(v, &notes); err != nil {
			AbortWithError(c, invalidBody(err))
			return
		}
		patch.Notes = &notes
	}
	if v, ok := raw["dueDate"]; ok {
		var due string
		if err := json.Unmarshal(v, &due); err != nil {
			AbortWithError(c, invalidBody(err))
			return
		}
		parsed, err := parseDate(due, "dueDate")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		patch.DueDate = &parsed
	}

	invoice, err := s.invoiceSvc.Update(c.Request.Context(), invoiceID, patch)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) VoidInvoice(c *gin.Context) {
	invoiceID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoice, err := s.invoiceSvc.Void(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func parseDate(raw, field string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, apperr.InvalidArgument("invalid_"+field, field+" must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}
