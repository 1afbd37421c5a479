// Package validation wraps a single shared go-playground/validator
// instance with the two domain-specific tag validators TriageRequest and
// ProgressSnapshot declare: studentid and exerciseid. Schema validation
// failures are reported as a flat list of field/tag strings so callers can
// fold them straight into an apierr.Validation error's Details.
package validation

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// studentIDPattern matches the gateway-issued student identifier format:
// a short lowercase prefix, a separator, then up to 64 identifier
// characters. Examples: "stu-a1b2c3d4",
// "student_aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa".
var studentIDPattern = regexp.MustCompile(`^[a-z]{2,12}[_-][a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// exerciseIDPattern matches exercise identifiers: the fixed "ex_" prefix
// followed by a lowercase slug, e.g. "ex_loops_014".
var exerciseIDPattern = regexp.MustCompile(`^ex_[a-z0-9][a-z0-9_-]{0,60}$`)

// Skew windows for timestamp checks: inbound triage requests tolerate
// client clocks up to five minutes off; events on the log are checked
// against a tighter window at processing time.
const (
	IngressSkewWindow = 5 * time.Minute
	EventSkewWindow   = 60 * time.Second
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Get returns the process-wide validator instance, registering the
// studentid and exerciseid tag validators on first use.
func Get() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
		_ = instance.RegisterValidation("studentid", validateStudentID)
		_ = instance.RegisterValidation("exerciseid", validateExerciseID)
	})
	return instance
}

func validateStudentID(fl validator.FieldLevel) bool {
	return studentIDPattern.MatchString(fl.Field().String())
}

func validateExerciseID(fl validator.FieldLevel) bool {
	return exerciseIDPattern.MatchString(fl.Field().String())
}

// Struct validates s against its struct tags and returns a flat list of
// "field: tag" violation strings, nil if s is valid.
func Struct(s interface{}) []string {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
	}
	return details
}

// WithinSkew reports whether ts falls inside ±window of now. Zero
// timestamps are never within skew — "required" catches them separately,
// but a caller that skips struct validation still gets a rejection here.
func WithinSkew(ts, now time.Time, window time.Duration) bool {
	if ts.IsZero() {
		return false
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= window
}
