package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/paintops/crewclock/internal/assignment"
	"github.com/paintops/crewclock/internal/customer"
	"github.com/paintops/crewclock/internal/estimate"
	estimatedomain "github.com/paintops/crewclock/internal/estimate/domain"
	"github.com/paintops/crewclock/internal/job"
)

// -------- Jobs --------

func (s *Server) ListJobs(c *gin.Context) {
	jobs, err := s.jobSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) CreateJob(c *gin.Context) {
	var req job.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	created, err := s.jobSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) GetJob(c *gin.Context) {
	jobID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	found, err := s.jobSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) UpdateJob(c *gin.Context) {
	jobID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var patch job.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	updated, err := s.jobSvc.Update(c.Request.Context(), jobID, patch)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// -------- Assignments --------

func (s *Server) ListAssignments(c *gin.Context) {
	assignments, err := s.assignmentSvc.List(c.Request.Context(), c.Query("userId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

func (s *Server) CreateAssignment(c *gin.Context) {
	var req assignment.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	created, err := s.assignmentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) GetAssignment(c *gin.Context) {
	assignmentID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	found, err := s.assignmentSvc.Get(c.Request.Context(), assignmentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) DeactivateAssignment(c *gin.Context) {
	assignmentID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	deactivated, err := s.assignmentSvc.Deactivate(c.Request.Context(), assignmentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, deactivated)
}

// -------- Customers --------

func (s *Server) ListCustomers(c *gin.Context) {
	customers, err := s.customerSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

func (s *Server) CreateCustomer(c *gin.Context) {
	var req customer.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	created, err := s.customerSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) GetCustomer(c *gin.Context) {
	customerID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	found, err := s.customerSvc.Get(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) UpdateCustomer(c *gin.Context) {
	customerID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var patch customer.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	updated, err := s.customerSvc.Update(c.Request.Context(), customerID, patch)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// -------- Estimates --------

func (s *Server) ListEstimates(c *gin.Context) {
	estimates, err := s.estimateSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimates": estimates})
}

func (s *Server) CreateEstimate(c *gin.Context) {
	var req estimate.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	created, err := s.estimateSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) GetEstimate(c *gin.Context) {
	estimateID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	found, err := s.estimateSvc.Get(c.Request.Context(), estimateID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

type updateEstimateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) UpdateEstimateStatus(c *gin.Context) {
	estimateID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req updateEstimateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	updated, err := s.estimateSvc.UpdateStatus(c.Request.Context(), estimateID, estimatedomain.Status(req.Status))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
