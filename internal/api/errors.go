package api

import (
	"errors"
	"net/http"

	"vidgate/internal/objectstore"
	"vidgate/internal/storage"
	"vidgate/internal/upload"
)

// errorBody is the structured 4xx/5xx payload. Optional fields appear only
// when the failure kind defines them.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	PartNumber    int    `json:"partNumber,omitempty"`
	Expected      string `json:"expected,omitempty"`
	Received      string `json:"received,omitempty"`
	CurrentStatus string `json:"currentStatus,omitempty"`
	RetryAfter    int    `json:"retryAfter,omitempty"`
}

// writeDomainError maps the error taxonomy onto HTTP statuses: 413 for size,
// 404 for unknown rows, 400 for validation, parts, checksum, and state
// conflicts, 502 for provider failures, 500 otherwise.
func writeDomainError(w http.ResponseWriter, err error) {
	var sizeErr *upload.SizeLimitError
	if errors.As(err, &sizeErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload_too_large", Message: sizeErr.Error()})
		return
	}
	var partsErr *upload.PartsLimitError
	if errors.As(err, &partsErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "parts_limit", Message: partsErr.Error()})
		return
	}
	var checksumErr *upload.ChecksumMismatchError
	if errors.As(err, &checksumErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:      "checksum_mismatch",
			Message:    checksumErr.Error(),
			PartNumber: checksumErr.PartNumber,
			Expected:   checksumErr.ExpectedPrefix,
			Received:   checksumErr.ActualPrefix,
		})
		return
	}
	var stateErr *upload.StateError
	if errors.As(err, &stateErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:         "state_conflict",
			Message:       stateErr.Error(),
			CurrentStatus: string(stateErr.Current),
		})
		return
	}
	var validationErr *upload.ValidationError
	if errors.As(err, &validationErr) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: validationErr.Error()})
		return
	}
	if errors.Is(err, storage.ErrVideoNotFound) || errors.Is(err, storage.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
		return
	}
	var conflict *storage.StatusConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:         "state_conflict",
			Message:       conflict.Error(),
			CurrentStatus: string(conflict.Current),
		})
		return
	}
	var storeErr *objectstore.Error
	if errors.As(err, &storeErr) {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "storage", Message: storeErr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
}
