// Package submit validates new reports and queues them in the local store.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/njoerd114/reportrelay/internal/model"
)

// Submission is a report as entered by the field user.
type Submission struct {
	Zone        string  `validate:"required,max=200"`
	Category    string  `validate:"required,oneof=rubble hazard blocked_road"`
	Subcategory string  `validate:"max=100"`
	Latitude    float64 `validate:"gte=-90,lte=90"`
	Longitude   float64 `validate:"gte=-180,lte=180"`
	PhotoPath   string
	Description string `validate:"max=2000"`
	OwnerID     string
}

// FieldProblem describes why one field was rejected.
type FieldProblem struct {
	Field  string
	Reason string
}

// ValidationError is returned when a submission is rejected. Nothing is
// written in that case.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Field + ": " + p.Reason
	}
	return "invalid report: " + strings.Join(parts, "; ")
}

// Inserter persists a validated report. Implemented by [store.Store].
type Inserter interface {
	Insert(ctx context.Context, r model.NewReport) (string, error)
}

// Submitter is the entry point for new reports.
type Submitter struct {
	store         Inserter
	photoRequired map[model.Category]bool
	validate      *validator.Validate
	nudge         func()
	log           *slog.Logger
}

// NewSubmitter creates a Submitter. photoRequired lists the categories
// that must carry a photo in this deployment.
func NewSubmitter(store Inserter, photoRequired []model.Category, logger *slog.Logger) *Submitter {
	req := make(map[model.Category]bool, len(photoRequired))
	for _, c := range photoRequired {
		req[c] = true
	}
	return &Submitter{
		store:         store,
		photoRequired: req,
		validate:      validator.New(),
		log:           logger,
	}
}

// OnSubmitted registers fn to be called after each successful submit. fn
// must not block.
func (s *Submitter) OnSubmitted(fn func()) {
	s.nudge = fn
}

// Submit validates sub and queues it as an unsynced report. It never
// touches the network.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (string, error) {
	sub.Zone = strings.TrimSpace(sub.Zone)
	sub.Category = strings.TrimSpace(sub.Category)

	if err := s.check(sub); err != nil {
		return "", err
	}

	id, err := s.store.Insert(ctx, model.NewReport{
		Zone:        sub.Zone,
		Category:    model.Category(sub.Category),
		Subcategory: sub.Subcategory,
		Latitude:    sub.Latitude,
		Longitude:   sub.Longitude,
		PhotoPath:   sub.PhotoPath,
		Description: sub.Description,
		OwnerID:     sub.OwnerID,
	})
	if err != nil {
		return "", fmt.Errorf("queueing report: %w", err)
	}

	s.log.Info("report queued", "id", id, "category", sub.Category, "photo", sub.PhotoPath != "")
	if s.nudge != nil {
		s.nudge()
	}
	return id, nil
}

func (s *Submitter) check(sub Submission) error {
	var problems []FieldProblem

	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating report: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, FieldProblem{Field: fieldName(fe.Field()), Reason: reason(fe)})
		}
	}

	if s.photoRequired[model.Category(sub.Category)] && sub.PhotoPath == "" {
		problems = append(problems, FieldProblem{
			Field:  "photo_path",
			Reason: fmt.Sprintf("a photo is required for %s reports", model.Category(sub.Category).Label()),
		})
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

var fieldNames = map[string]string{
	"Zone":        "zone",
	"Category":    "category",
	"Subcategory": "subcategory",
	"Latitude":    "latitude",
	"Longitude":   "longitude",
	"Description": "description",
}

func fieldName(f string) string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return strings.ToLower(f)
}
