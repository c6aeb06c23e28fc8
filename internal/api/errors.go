package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/pkg/apperr"
)

var statusByCode = map[apperr.Code]int{
	apperr.CodeInvalidArgument:        http.StatusBadRequest,
	apperr.CodeInsufficientFunds:      http.StatusPaymentRequired,
	apperr.CodeNotFound:               http.StatusNotFound,
	apperr.CodeUnauthenticated:        http.StatusUnauthorized,
	apperr.CodeDependencyUnavailable:  http.StatusServiceUnavailable,
	apperr.CodeNoSequencesAvailable:   http.StatusServiceUnavailable,
	apperr.CodeAlreadySettled:         http.StatusConflict,
	apperr.CodeTransientStoreConflict: http.StatusConflict,
	apperr.CodeInternal:               http.StatusInternalServerError,
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	if s, ok := statusByCode[apperr.CodeOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// abortWithError writes the {"error":{"code","message"}} body. Internal
// failures are logged and their details withheld from the caller.
func abortWithError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := StatusOf(err)
	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("user_id", c.GetString(userIDKey)).
			Str("code", string(code)).
			Msg("Request failed")
		if code == apperr.CodeInternal {
			msg = apperr.ErrInternal.Message
		}
	}
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func badRequest(c *gin.Context, msg string) {
	abortWithError(c, apperr.New(apperr.CodeInvalidArgument, msg))
}
