package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/metrics"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/worker"
)

// Response codes
const (
	CodeSuccess       = "SUCCESS"
	CodeBadRequest    = "BAD_REQUEST"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeInternalError = "INTERNAL_ERROR"
	CodeNoDevices     = "NO_DEVICES"
	CodeUnavailable   = "UNAVAILABLE"
)

// Response is the envelope of every API answer
type Response struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendSuccess(w http.ResponseWriter, message string, results any) {
	sendJSON(w, http.StatusOK, Response{
		Status:  http.StatusOK,
		Code:    CodeSuccess,
		Message: message,
		Results: results,
	})
}

func sendError(w http.ResponseWriter, status int, code, message string, results any) {
	metrics.IncAPIErrors(strings.ToLower(code))
	sendJSON(w, status, Response{
		Status:  status,
		Code:    code,
		Message: message,
		Results: results,
	})
}

// sendErr maps a domain error onto the envelope
func (s *Server) sendErr(w http.ResponseWriter, err error) {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		sendError(w, http.StatusBadRequest, CodeBadRequest, err.Error(), verr.Fields)
	case errors.Is(err, dispatch.ErrNoOnlineDevices):
		sendError(w, http.StatusConflict, CodeNoDevices, err.Error(), nil)
	case errors.Is(err, device.ErrNotFound),
		errors.Is(err, dispatch.ErrCampaignNotFound),
		errors.Is(err, dispatch.ErrSequenceNotFound),
		errors.Is(err, queue.ErrNotFound):
		sendError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, device.ErrInvalidTransition),
		errors.Is(err, device.ErrNotPaired),
		errors.Is(err, dispatch.ErrNotPending),
		errors.Is(err, dispatch.ErrNoEligibleContacts),
		errors.Is(err, dispatch.ErrSequenceInactive),
		errors.Is(err, worker.ErrDeviceNotOnline):
		sendError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	default:
		s.logger.Error("request failed", "error", err)
		sendError(w, http.StatusInternalServerError, CodeInternalError, "internal error", nil)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into v and validates it. Failures come back as
// *dispatch.ValidationError.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &dispatch.ValidationError{Fields: []dispatch.FieldError{{Field: "body", Message: "invalid JSON: " + err.Error()}}}
	}
	return validateStruct(v)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &dispatch.ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, dispatch.FieldError{Field: fieldPath(fe), Message: describe(fe)})
	}
	return out
}

// fieldPath drops the name of the top-level request struct
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_without":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gtefield":
		return "must not be less than " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "datetime":
		return "must match " + fe.Param()
	case "url":
		return "must be a URL"
	default:
		return "is invalid"
	}
}
