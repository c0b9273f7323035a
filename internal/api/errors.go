package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/neurogrid/lifecycle/internal/errs"
	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/internal/settlement"
)

const msgOneHourMinimum = "1-Hour Minimum Charge: settlement not allowed until session has been active for at least 1 hour (server time)."

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// writeError maps service errors onto HTTP responses. Business refusals keep
// their reason code so clients can branch on it.
func (s *Server) writeError(c *gin.Context, err error) {
	var notEligible *errs.NotEligibleError
	if errors.As(err, &notEligible) {
		msg := msgOneHourMinimum
		if notEligible.RequiredSeconds > settlement.MinimumChargeSeconds {
			msg = fmt.Sprintf("Settlement not allowed until hour %d of the session has elapsed (server time).",
				notEligible.RequiredSeconds/settlement.MinimumChargeSeconds)
		}
		c.Header("Retry-After", strconv.FormatInt(notEligible.RetryAfterSeconds(), 10))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":            msg,
			"code":             errs.ReasonMinimumChargePending,
			"elapsed_seconds":  notEligible.ElapsedSeconds,
			"required_seconds": notEligible.RequiredSeconds,
		})
		return
	}

	var e *errs.Error
	if errors.As(err, &e) {
		body := gin.H{"error": e.Message}
		if e.Message == "" {
			body["error"] = e.Code
		}
		if e.Reason != "" {
			body["code"] = e.Reason
		}
		c.JSON(statusOf(e), body)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
		return
	}

	s.log.WithFields(logger.Fields{
		"correlation_id": c.GetString(ctxCorrelationID),
		"route":          c.FullPath(),
	}).WithError(err).Error("unhandled error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func statusOf(e *errs.Error) int {
	switch e.Code {
	case errs.ErrValidation.Code:
		return http.StatusBadRequest
	case errs.ErrNotFound.Code:
		return http.StatusNotFound
	case errs.ErrConflict.Code:
		return http.StatusConflict
	case errs.ErrForbidden.Code:
		return http.StatusForbidden
	case errs.ErrNotEligible.Code:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
