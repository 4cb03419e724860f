package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parsabank/cardengine/card"
	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/issuer"
	"github.com/parsabank/cardengine/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	var (
		validationErr *issuer.ValidationError
		conflictErr   *card.StateConflictError
		rejectionErr  *issuer.RejectionError
		businessErr   *hsm.BusinessError
		transportErr  *hsm.TransportError
		stepErr       *issuer.StepError
	)
	// Saga failures wrap the step that failed; classify by the cause.
	if errors.As(err, &stepErr) {
		mapError(w, stepErr.Err)
		return
	}
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &conflictErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rejectionErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &businessErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, card.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hsm.ErrTimeout), errors.Is(err, hsm.ErrUncertain):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &transportErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
