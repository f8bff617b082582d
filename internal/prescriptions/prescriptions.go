// Package prescriptions keeps the free-text prescriptions staff write for patients.
package prescriptions

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxContentRunes = 20000

var ErrInvalid = errors.New("prescriptions: invalid prescription")

// Prescription is an immutable note issued to a patient.
type Prescription struct {
	ID          uuid.UUID `json:"id"`
	PatientName string    `json:"patientName"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Filter narrows listings. PatientName matches case-insensitively anywhere in the name.
type Filter struct {
	PatientName string
	Limit       int
	Offset      int
}

// Store persists prescriptions. List returns newest first.
type Store interface {
	Create(ctx context.Context, p *Prescription) error
	List(ctx context.Context, filter Filter) ([]Prescription, error)
}

// FieldError names the field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return "prescriptions: " + e.Field + ": " + e.Message }

func (e *FieldError) Unwrap() error { return ErrInvalid }

// Normalize trims the fields and checks both are present.
func (p *Prescription) Normalize() error {
	p.PatientName = strings.TrimSpace(p.PatientName)
	p.Content = strings.TrimSpace(p.Content)
	switch {
	case p.PatientName == "":
		return &FieldError{Field: "patientName", Message: "is required"}
	case p.Content == "":
		return &FieldError{Field: "content", Message: "is required"}
	case utf8.RuneCountInString(p.Content) > maxContentRunes:
		return &FieldError{Field: "content", Message: "is too long"}
	}
	return nil
}

func prepare(p *Prescription, now time.Time) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now.UTC()
	return nil
}
