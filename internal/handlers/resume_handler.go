package handlers

import (
	"errors"
	"net/http"

	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ResumeHandler receives scheduler callbacks for suspended runs.
type ResumeHandler struct {
	coordinator *services.ResumeCoordinator
	logger      *logrus.Logger
}

func NewResumeHandler(coordinator *services.ResumeCoordinator, logger *logrus.Logger) *ResumeHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ResumeHandler{coordinator: coordinator, logger: logger}
}

// ResumeResponse is returned for every accepted callback.
type ResumeResponse struct {
	Status    string               `json:"status"`
	Duplicate bool                 `json:"duplicate"`
	Outcome   *services.RunOutcome `json:"outcome,omitempty"`
}

// Resume 处理调度器回调
//
//	400 invalid ticket, 404 automation gone, 409 automation inactive,
//	500 storage failure (the scheduler retries), 200 otherwise.
//
// A resumed run whose actions fail is still a 200: the failure is recorded on
// the run and retrying the callback would not change it.
func (h *ResumeHandler) Resume(c *gin.Context) {
	var ticket services.ResumptionTicket
	if err := c.ShouldBindJSON(&ticket); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid ticket", Message: err.Error()})
		return
	}

	res, err := h.coordinator.Resume(c.Request.Context(), ticket)
	switch {
	case errors.Is(err, services.ErrInvalidTicket):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid ticket", Message: err.Error()})
		return
	case errors.Is(err, services.ErrAutomationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Automation not found", "message": err.Error(), "outcome": res.Outcome})
		return
	case errors.Is(err, services.ErrAutomationInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Automation inactive", "message": err.Error(), "outcome": res.Outcome})
		return
	case err != nil:
		h.logger.WithFields(logrus.Fields{
			"automation_id": ticket.AutomationID,
			"store_id":      ticket.StoreID,
		}).Errorf("resume failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Resume failed", Message: err.Error()})
		return
	}

	if res.Duplicate {
		c.JSON(http.StatusOK, ResumeResponse{Status: "duplicate", Duplicate: true})
		return
	}
	c.JSON(http.StatusOK, ResumeResponse{Status: string(res.Outcome.Status), Outcome: res.Outcome})
}

// RegisterResumeRoutes mounts the callback on /automation-resume and the
// /api/automations/resume alias. verify guards both.
func RegisterResumeRoutes(r gin.IRouter, handler *ResumeHandler, verify gin.HandlerFunc) {
	r.POST("/automation-resume", verify, handler.Resume)
	r.POST("/api/automations/resume", verify, handler.Resume)
}
