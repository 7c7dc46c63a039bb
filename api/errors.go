package api

import (
	"errors"
	"net/http"

	"talk2task/domain"
)

var errDuplicateRequest = errors.New("duplicate request")

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps an error onto the HTTP status reported to the client.
func statusFor(err error) int {
	var (
		ve *domain.ValidationError
		ue *domain.UnauthorizedError
		nf *domain.NotFoundError
		up *domain.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ue):
		return http.StatusUnauthorized
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &up):
		return http.StatusBadGateway
	case errors.Is(err, errDuplicateRequest):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(status int, err error) errorResponse {
	switch status {
	case http.StatusBadGateway:
		return errorResponse{Error: "AI request failed", Details: err.Error()}
	case http.StatusInternalServerError:
		return errorResponse{Error: "internal error"}
	default:
		return errorResponse{Error: err.Error()}
	}
}
