package server

import (
	"encoding/json"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	reviewrepo "github.com/katiba-labs/katiba/internal/repository/review"
	vulnrepo "github.com/katiba-labs/katiba/internal/repository/vulnerability"
	"github.com/katiba-labs/katiba/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billrepo.ErrBillNotFound),
		errors.Is(err, provisionrepo.ErrProvisionNotFound),
		errors.Is(err, engagementrepo.ErrEngagementNotFound),
		errors.Is(err, reviewrepo.ErrReviewNotFound),
		errors.Is(err, reviewrepo.ErrQueueEntryNotFound),
		errors.Is(err, vulnrepo.ErrVulnerabilityNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, errors.ErrInvalidInput),
		errors.Is(err, provisionrepo.ErrParentNotFound),
		errors.Is(err, provisionrepo.ErrInvalidKind),
		errors.Is(err, vulnrepo.ErrUnknownProvision):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, errors.ErrInvalidTransition),
		errors.Is(err, reviewrepo.ErrTerminalState),
		errors.Is(err, engagementrepo.ErrAlreadyModerated),
		errors.Is(err, provisionrepo.ErrHasChildren),
		errors.Is(err, provisionrepo.ErrCycle),
		errors.Is(err, provisionrepo.ErrDuplicateOrdinal),
		errors.Is(err, errors.ErrBillWithdrawn):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, errors.ErrConflict):
		// Retries were exhausted server-side; the client resubmits.
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case isValidationError(err):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func isValidationError(err error) bool {
	var ve validation.Errors
	if errors.As(err, &ve) {
		return true
	}
	var oe validation.ErrorObject
	return errors.As(err, &oe)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	return nil
}
