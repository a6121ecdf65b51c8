package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/medseal/content"
	"github.com/jmcleod/medseal/content/pinata"
	"github.com/jmcleod/medseal/envelope"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writePinError reports a failed pin. Upstream status codes are passed
// through so the client sees what Pinata said.
func writePinError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	detail := err.Error()
	var apiErr *pinata.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
		detail = apiErr.Body
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, content.ErrInvalidCID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, envelope.ErrMalformedEnvelope):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, content.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, content.ErrContentUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, pinata.ErrNoCredentials):
		writeError(w, http.StatusInternalServerError,
			"Pinata credentials not configured. Set PINATA_JWT or PINATA_API_KEY/PINATA_SECRET.")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
