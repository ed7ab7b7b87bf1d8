package router

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"julianmorley.ca/con-plar/storefront/pkg/apperr"
	"julianmorley.ca/con-plar/storefront/pkg/global"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
)

// fail writes err as the coded error envelope and aborts the chain. Details
// of 5xx errors are logged, never returned.
func (h *Handler) fail(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.ErrInternal.Wrap(err)
	}

	status := appErr.HTTPCode()
	var details []global.ValidationError
	log := logging.FromContext(c.Request.Context(), h.Logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", appErr.ErrorCode(), "error", err)
	} else if appErr.Details() != "" {
		details = []global.ValidationError{{Message: appErr.Details(), Code: strings.ToLower(appErr.ErrorCode())}}
	}

	c.AbortWithStatusJSON(status, global.CodedErrorResponse(appErr.ErrorCode(), appErr.Message(), appErr.Retryable(), details))
}

// failBinding reports request body and parameter errors field by field
func (h *Handler) failBinding(c *gin.Context, err error) {
	var fields []global.ValidationError

	var verrs validator.ValidationErrors
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			fields = append(fields, global.ValidationError{
				Field:   fe.Namespace(),
				Message: fieldMessage(fe),
				Code:    fe.Tag(),
			})
		}
	case errors.As(err, &typeErr):
		fields = append(fields, global.ValidationError{Field: typeErr.Field, Message: "expected " + typeErr.Type.String(), Code: "invalid_type"})
	case errors.As(err, &syntaxErr):
		fields = append(fields, global.ValidationError{Field: "body", Message: err.Error(), Code: "json_parse_error"})
	default:
		fields = append(fields, global.ValidationError{Field: "body", Message: err.Error(), Code: "invalid_request"})
	}

	c.AbortWithStatusJSON(http.StatusBadRequest, global.CodedErrorResponse(
		apperr.ErrValidation.ErrorCode(), apperr.ErrValidation.Message(), false, fields))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "objectid":
		return fe.Field() + " must be a valid id"
	case "couponcode":
		return fe.Field() + " must be 3-32 letters, digits, dashes or underscores"
	case "min", "gte":
		return fe.Field() + " must be at least " + fe.Param()
	case "max", "lte":
		return fe.Field() + " must be at most " + fe.Param()
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	default:
		return fe.Field() + " failed " + fe.Tag() + " validation"
	}
}
