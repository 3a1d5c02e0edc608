// ABOUTME: JSON rejection helper shared by the middleware
// ABOUTME: Writes the same error body the handlers use

package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

// Reasons carried by middleware rejections.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonInvalidToken    = "invalid_token"
	ReasonForbidden       = "forbidden"
	ReasonRateLimited     = "rate_limited"
)

func reject(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: message, Reason: reason, Code: status})
}
