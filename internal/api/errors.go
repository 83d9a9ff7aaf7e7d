package api

import (
	"net/http"
	"strconv"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/campaign"
	"whatsapp-automation/internal/scheduler"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, automation.ErrAlreadyFinished),
		errors.Is(err, automation.ErrInvalidState),
		errors.Is(err, automation.ErrDuplicateSuppressed),
		errors.Is(err, campaign.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, automation.ErrStepPayloadInvalid),
		errors.Is(err, scheduler.ErrScheduleInPast),
		errors.Is(err, scheduler.ErrNotSchedule),
		errors.Is(err, campaign.ErrInvalidCampaign),
		errors.Is(err, campaign.ErrNoTargets):
		return http.StatusBadRequest
	case errors.Is(err, automation.ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, automation.ErrProviderSendFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// idParam reads a numeric path parameter, answering 400 when it is not one
func idParam(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(n), true
}

func queryUint(c *gin.Context, name string) uint {
	n, _ := strconv.ParseUint(c.Query(name), 10, 64)
	return uint(n)
}
