package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrItemNotFound     = errors.New("item not found")
	ErrDeliveryNotFound = errors.New("delivery not found")

	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid item status transition")
	ErrMissingResult     = errors.New("completed item requires a result locator")

	// ErrNoDeliverableContent: the batch has no completed item with a result.
	ErrNoDeliverableContent = errors.New("no deliverable content")
	// ErrNoArchiveContent: none of the archive's images could be fetched.
	ErrNoArchiveContent  = errors.New("zero images available")
	ErrArchiveInProgress = errors.New("archive is being built")

	// ErrAlreadyDelivered: the batch has been handed to its recipient once.
	ErrAlreadyDelivered       = errors.New("batch already delivered")
	ErrNoRecipient            = errors.New("no recipient for delivery")
	ErrTransportFailed        = errors.New("mail transport failed")
	ErrReconciliationConflict = errors.New("delivery record changed while sending")

	ErrNoImagesAccepted = errors.New("no images accepted")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// ValidationError lists the fields a request failed on.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, reason))
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, "; ")
}
