// Package validation wraps go-playground/validator with the rules and error
// responses shared by the HTTP handlers.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
)

// Validator validates request structs.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator. Field names in errors follow the json tags.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("clock", validateClock)
	v.RegisterValidation("tzname", validateTimezone)

	return &Validator{validate: v}
}

// Struct validates s.
func (v *Validator) Struct(s any) error {
	return v.validate.Struct(s)
}

// validateClock accepts "HH:MM" times of day.
func validateClock(fl validator.FieldLevel) bool {
	_, err := time.Parse("15:04", fl.Field().String())
	return err == nil
}

// validateTimezone accepts IANA zone names.
func validateTimezone(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// Response is the body written for rejected requests.
type Response struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Message renders a single field error.
func Message(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "clock":
		return fmt.Sprintf("%s must be a time of day as HH:MM", field)
	case "tzname":
		return fmt.Sprintf("%s must be an IANA time zone", field)
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// WriteError writes err as a JSON response. Validation failures produce 422
// with one message per field; anything else is a 400.
func WriteError(w http.ResponseWriter, err error) {
	resp := Response{Message: err.Error()}
	status := http.StatusBadRequest

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		status = http.StatusUnprocessableEntity
		resp.Errors = make(map[string]string, len(verrs))
		for i, fe := range verrs {
			msg := Message(fe)
			resp.Errors[fe.Field()] = msg
			if i == 0 {
				resp.Message = msg
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
