package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/orchestrator"
)

// RespondFromError maps the control plane's error taxonomy onto HTTP
// status codes (spec.md §7 "Error Handling Design").
func RespondFromError(c *gin.Context, err error) {
	if errors.Is(err, orchestrator.ErrJobAborting) {
		RespondError(c, http.StatusMethodNotAllowed, string(errs.CodeConflict), err)
		return
	}

	var e *errs.Error
	if !errors.As(err, &e) {
		RespondError(c, http.StatusInternalServerError, string(errs.CodeInternal), err)
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeUnauthorized:
		status = http.StatusUnauthorized
	case errs.CodeForbidden:
		status = http.StatusForbidden
	case errs.CodeConflict:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeInconsistent:
		status = http.StatusInternalServerError
	case errs.CodeRetryable:
		status = http.StatusInternalServerError
	case errs.CodeInternal:
		status = http.StatusInternalServerError
	}
	RespondError(c, status, string(e.Code), e)
}

// ForbiddenCrossUser is the error GET /jobs/{count,top_k} return when
// a non-admin caller asks for another user's jobs (spec.md §6 "403 if
// cross-user without admin").
func ForbiddenCrossUser() error {
	return errs.Forbidden("httpapi.targetUser", "cross-user access requires admin")
}
