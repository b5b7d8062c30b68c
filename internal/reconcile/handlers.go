package reconcile

import (
	"github.com/gin-gonic/gin"
	"github.com/makerdesk/mm-core/pkg/response"
)

// GinHandlers exposes the auditor over the internal API.
type GinHandlers struct {
	auditor *Auditor
}

func NewGinHandlers(auditor *Auditor) *GinHandlers {
	return &GinHandlers{auditor: auditor}
}

// GetReportHandler returns the most recent audit report.
// GET /internal/reconcile/report
func (h *GinHandlers) GetReportHandler(c *gin.Context) {
	report := h.auditor.LastReport()
	if report == nil {
		response.NotFound(c, "No audit has run yet")
		return
	}
	response.Success(c, report)
}

// RunAuditHandler triggers an immediate audit pass and returns its report.
// POST /internal/reconcile/run
func (h *GinHandlers) RunAuditHandler(c *gin.Context) {
	report, err := h.auditor.RunOnce(c.Request.Context())
	if err != nil {
		response.InternalError(c, "Audit pass failed")
		return
	}
	response.Success(c, report)
}
