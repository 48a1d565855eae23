package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/store"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func statusFor(kind store.Kind) int {
	switch kind {
	case store.KindValidation, store.KindConstraint:
		return http.StatusUnprocessableEntity
	case store.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// errorMessage drops the field prefix of validation errors so clients can
// show the message as is.
func errorMessage(err error) string {
	var ve *steps.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
