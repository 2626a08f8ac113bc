package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxPageSize caps approved-resource pages.
const MaxPageSize = 20

var (
	ErrResourceNotFound     = errors.New("resource not found")
	ErrCatalogUnavailable   = errors.New("catalog unavailable")
	ErrInvalidCatalogConfig = errors.New("invalid catalog config")
	ErrInvalidStatus        = errors.New("invalid resource status")
	ErrInvalidResource      = errors.New("invalid resource")
)

// Status is the moderation state of a resource.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var statusLabels = map[Status]string{
	StatusPending:  "대기",
	StatusApproved: "승인",
	StatusRejected: "거절",
}

// ParseStatus accepts either the API value or the label stored in the database.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.TrimSpace(raw)
	for status, label := range statusLabels {
		if trimmed == string(status) || trimmed == label {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

func (status Status) String() string {
	return string(status)
}

func (status Status) label() string {
	return statusLabels[status]
}

// Resource is a downloadable teaching material.
type Resource struct {
	ID              string
	Title           string
	Description     string
	FileKey         string
	Category        string
	Level           string
	RequiredMileage int64
	FileSize        string
	UploadedBy      string
	UploadedAt      time.Time
	Views           int64
	Downloads       int64
	Status          Status
}

// Filters narrows the approved listing; empty fields match everything.
type Filters struct {
	Category string
	Level    string
}

// Page is one page of approved resources.
type Page struct {
	Resources  []Resource
	HasMore    bool
	NextCursor string
}

// CreateInput describes a newly uploaded resource awaiting review.
type CreateInput struct {
	Title           string
	Description     string
	FileKey         string
	Category        string
	Level           string
	RequiredMileage int64
	FileSize        string
	UploadedBy      string
}

func (input CreateInput) validate() error {
	if strings.TrimSpace(input.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidResource)
	}
	if strings.TrimSpace(input.FileKey) == "" {
		return fmt.Errorf("%w: empty file key", ErrInvalidResource)
	}
	if input.RequiredMileage < 0 {
		return fmt.Errorf("%w: negative required mileage", ErrInvalidResource)
	}
	return nil
}
