package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/logger"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// FieldError is one entry of a validation failure's details.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// errorStatus maps the billing error taxonomy to an HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError renders err. Details of 5xx errors are only shown in development.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	body := ErrorBody{Code: code, Message: err.Error()}

	var ve *billing.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body.Details = []FieldError{{Field: ve.Field, Message: ve.Message}}
	}

	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.log).Error("request failed", zap.Error(err))
		body.Message = "internal server error"
		if h.showErrorDetails {
			body.Details = err.Error()
		}
	}
	writeJSON(w, status, ErrorResponse{Error: body})
}

// writeValidationErrors renders validator failures as one 400 response.
func writeValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	details := make([]FieldError, len(errs))
	for i, e := range errs {
		details[i] = FieldError{Field: e.Field(), Message: validationMessage(e)}
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
		Code:    "validation_error",
		Message: "request validation failed",
		Details: details,
	}})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names so clients see the field they sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "invalid email format"
	case "oneof":
		return "must be one of: " + e.Param()
	case "gt":
		return "must be greater than " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "datetime":
		return "must match layout " + e.Param()
	default:
		return "invalid value"
	}
}
