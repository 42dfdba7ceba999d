package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paintops/crewclock/internal/geofence"
	"github.com/paintops/crewclock/internal/timeclock"
	"github.com/paintops/crewclock/internal/timeedit"
	"github.com/paintops/crewclock/internal/timeentry"
	timeentrydomain "github.com/paintops/crewclock/internal/timeentry/domain"
	"github.com/paintops/crewclock/pkg/apperr"
)

type clockInRequest struct {
	JobID         string   `json:"jobId"`
	Lat           float64  `json:"lat"`
	Lng           float64  `json:"lng"`
	Accuracy      *float64 `json:"accuracy,omitempty"`
	ClientEventID string   `json:"clientEventId"`
	DeviceID      string   `json:"deviceId,omitempty"`
}

func (s *Server) ClockIn(c *gin.Context) {
	var req clockInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	jobID, err := parseID(req.JobID, "jobId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.timeclockSvc.ClockIn(c.Request.Context(), timeclock.ClockInRequest{
		JobID:         jobID,
		ClientEventID: req.ClientEventID,
		DeviceID:      req.DeviceID,
		Location: &geofence.Location{
			Lat: req.Lat, Lng: req.Lng, AccuracyMeters: req.Accuracy,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"id": result.TimeEntryID.String(),
	})
}

type clockOutRequest struct {
	TimeEntryID   string   `json:"timeEntryId,omitempty"`
	Lat           float64  `json:"lat"`
	Lng           float64  `json:"lng"`
	Accuracy      *float64 `json:"accuracy,omitempty"`
	ClientEventID string   `json:"clientEventId"`
	DeviceID      string   `json:"deviceId,omitempty"`
}

// ClockOut closes the caller's single active shift. timeEntryId is
// accepted for wire compatibility but the active shift is authoritative.
func (s *Server) ClockOut(c *gin.Context) {
	var req clockOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}

	result, err := s.timeclockSvc.ClockOut(c.Request.Context(), timeclock.ClockOutRequest{
		ClientEventID: req.ClientEventID,
		DeviceID:      req.DeviceID,
		Location: &geofence.Location{
			Lat: req.Lat, Lng: req.Lng, AccuracyMeters: req.Accuracy,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"ok": true}
	if len(result.Warnings) > 0 {
		resp["warning"] = strings.Join(result.Warnings, "; ")
	}
	c.JSON(http.StatusOK, resp)
}

type timeEntryPatch struct {
	ClockInAt     *time.Time `json:"clockInAt,omitempty"`
	ClockOutAt    *time.Time `json:"clockOutAt,omitempty"`
	JobID         *string    `json:"jobId,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
	Status        *string    `json:"status,omitempty"`
	ExceptionTags *[]string  `json:"exceptionTags,omitempty"`
}

type editTimeEntryRequest struct {
	TimeEntryID string         `json:"timeEntryId"`
	Patch       timeEntryPatch `json:"patch"`
	Reason      string         `json:"reason"`
}

func (s *Server) EditTimeEntry(c *gin.Context) {
	var req editTimeEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	entryID, err := parseID(req.TimeEntryID, "timeEntryId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	patch := timeedit.Patch{
		ClockInAt:     req.Patch.ClockInAt,
		ClockOutAt:    req.Patch.ClockOutAt,
		Notes:         req.Patch.Notes,
		ExceptionTags: req.Patch.ExceptionTags,
	}
	if req.Patch.JobID != nil {
		jobID, err := parseID(*req.Patch.JobID, "jobId")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		patch.JobID = &jobID
	}
	if req.Patch.Status != nil {
		status := timeentrydomain.Status(*req.Patch.Status)
		patch.Status = &status
	}

	entry, err := s.timeeditSvc.Edit(c.Request.Context(), timeedit.EditRequest{
		EntryID: entryID,
		Reason:  req.Reason,
		Patch:   patch,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "timeEntry": entry})
}

type approveTimeEntryRequest struct {
	TimeEntryID string `json:"timeEntryId"`
}

func (s *Server) ApproveTimeEntry(c *gin.Context) {
	var req approveTimeEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidBody(err))
		return
	}
	entryID, err := parseID(req.TimeEntryID, "timeEntryId")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entry, err := s.timeeditSvc.Approve(c.Request.Context(), entryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "timeEntry": entry})
}

// ListTimeEntries is the read side of the time records; workers see only
// their own entries, staff and above see the whole company.
func (s *Server) ListTimeEntries(c *gin.Context) {
	filter := timeentry.ListFilter{
		UserID: c.Query("userId"),
		Status: timeentrydomain.Status(c.Query("status")),
	}
	if raw := c.Query("jobId"); raw != "" {
		jobID, err := parseID(raw, "jobId")
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.JobID = jobID
	}
	for query, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.Query(query)
		if raw == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, apperr.InvalidArgument("invalid_"+query, query+" must be RFC3339"))
			return
		}
		*dst = at
	}

	entries, err := s.timeentryQ.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeEntries": entries})
}

func (s *Server) GetTimeEntry(c *gin.Context) {
	entryID, err := parseID(c.Param("id"), "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	entry, err := s.timeentryQ.Get(c.Request.Context(), entryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
