package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/infergate/infergate/pkg/router/errkind"
)

// StatusClientClosedRequest is nginx's non-standard code for a client that
// went away before the response was complete.
const StatusClientClosedRequest = 499

func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.NoEndpoint, errkind.NoBackendForModel, errkind.OracleUnavailable:
		return http.StatusServiceUnavailable
	case errkind.UpstreamConnect, errkind.UpstreamProtocol:
		return http.StatusBadGateway
	case errkind.UpstreamTimeout:
		return http.StatusGatewayTimeout
	case errkind.ClientCancelled:
		return StatusClientClosedRequest
	case errkind.MessageTooLarge:
		return http.StatusRequestEntityTooLarge
	case errkind.QueueOverflow:
		return http.StatusTooManyRequests
	case errkind.UnknownWorkflow:
		return http.StatusNotFound
	case errkind.ConfigInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError renders err as the stable error JSON. Safe to call only before
// the response has been written to.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.GetKind(err)
	var body errorBody
	body.Error.Kind = string(kind)
	if body.Error.Kind == "" {
		body.Error.Kind = "Internal"
	}
	body.Error.Message = err.Error()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(&body)
}
