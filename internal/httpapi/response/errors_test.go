package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/orchestrator"
)

func respondAndDecode(t *testing.T, err error) (int, ErrorEnvelope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	RespondFromError(c, err)

	var env ErrorEnvelope
	if decErr := json.Unmarshal(rec.Body.Bytes(), &env); decErr != nil {
		t.Fatalf("decode response body: %v", decErr)
	}
	return rec.Code, env
}

func TestRespondFromErrorMapsCodesToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"Validation", errs.Validation("op", "bad"), http.StatusBadRequest},
		{"Unauthorized", errs.Unauthorized("op", "no token"), http.StatusUnauthorized},
		{"Forbidden", errs.Forbidden("op", "nope"), http.StatusForbidden},
		{"Conflict", errs.Conflict("op", "dup"), http.StatusBadRequest},
		{"NotFound", errs.NotFound("op", "missing"), http.StatusNotFound},
		{"Inconsistent", errs.Inconsistent("op", "bad state"), http.StatusInternalServerError},
		{"Retryable", errs.Retryable("op", "try again"), http.StatusInternalServerError},
		{"Internal", errs.Internal("op", "boom", nil), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, env := respondAndDecode(t, c.err)
			if status != c.want {
				t.Fatalf("status: got %d, want %d", status, c.want)
			}
			if env.Error.Code != string(errs.CodeOf(c.err)) {
				t.Fatalf("code: got %q, want %q", env.Error.Code, errs.CodeOf(c.err))
			}
		})
	}
}

func TestRespondFromErrorUnmappedErrorIsInternal(t *testing.T) {
	status, env := respondAndDecode(t, errJustAnError("boom"))
	if status != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", status)
	}
	if env.Error.Code != string(errs.CodeInternal) {
		t.Fatalf("code: got %q, want %q", env.Error.Code, errs.CodeInternal)
	}
}

func TestRespondFromErrorMapsJobAbortingTo405(t *testing.T) {
	status, env := respondAndDecode(t, orchestrator.ErrJobAborting)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want 405", status)
	}
	if env.Error.Code != string(errs.CodeConflict) {
		t.Fatalf("code: got %q, want %q", env.Error.Code, errs.CodeConflict)
	}
}

func TestForbiddenCrossUserIsForbiddenCode(t *testing.T) {
	if !errs.Is(ForbiddenCrossUser(), errs.CodeForbidden) {
		t.Fatal("ForbiddenCrossUser: expected a forbidden-coded error")
	}
}

type errJustAnError string

func (e errJustAnError) Error() string { return string(e) }
