package services

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/xpensify/backend/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidationError lists the request fields that are missing or out of range
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(e.Fields, ", ")
}

func submissionValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report JSON field names so clients can match errors to their payload
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateSubmission checks the required fields of a submission.
// Text fields are trimmed in place before they are checked.
func ValidateSubmission(req *models.SubmissionRequest) error {
	req.LessonID = strings.TrimSpace(req.LessonID)
	req.LessonTitle = strings.TrimSpace(req.LessonTitle)
	req.Category = strings.TrimSpace(req.Category)

	err := submissionValidator().Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Fields: []string{err.Error()}}
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Fields: fields}
}
