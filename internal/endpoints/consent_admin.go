package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/thenexusengine/ladbid/internal/consent"
	"github.com/thenexusengine/ladbid/internal/storage"
	"github.com/thenexusengine/ladbid/pkg/logger"
)

const consentAdminPrefix = "/admin/consents"

// ConsentRecords is the storage the admin API manages
type ConsentRecords interface {
	Get(ctx context.Context, userID string) (*storage.VendorConsent, error)
	Upsert(ctx context.Context, vc *storage.VendorConsent) error
	Delete(ctx context.Context, userID string) error
}

// ConsentAdminHandler manages the consent records the CMP responder serves
type ConsentAdminHandler struct {
	store ConsentRecords
}

// NewConsentAdminHandler creates a new consent admin handler
func NewConsentAdminHandler(store ConsentRecords) *ConsentAdminHandler {
	return &ConsentAdminHandler{store: store}
}

// ConsentRequest is the request body for recording a consent
type ConsentRequest struct {
	GDPRApplies   bool   `json:"gdpr_applies"`
	ConsentString string `json:"consent_string"`
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ServeHTTP handles consent API requests
// Routes:
//
//	GET    /admin/consents/:user   - Get a user's consent
//	PUT    /admin/consents/:user   - Record a user's consent
//	DELETE /admin/consents/:user   - Forget a user's consent
func (h *ConsentAdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.sendError(w, http.StatusServiceUnavailable, "database_unavailable", "Consent management requires a database connection")
		return
	}

	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, consentAdminPrefix), "/")
	if userID == "" {
		h.sendError(w, http.StatusBadRequest, "missing_user_id", "User ID required in path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getConsent(w, r, userID)
	case http.MethodPut:
		h.putConsent(w, r, userID)
	case http.MethodDelete:
		h.deleteConsent(w, r, userID)
	default:
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

func (h *ConsentAdminHandler) getConsent(w http.ResponseWriter, r *http.Request, userID string) {
	vc, err := h.store.Get(r.Context(), userID)
	if err != nil {
		logger.Log.Error().Err(err).Str("user_id", userID).Msg("Failed to get consent")
		h.sendError(w, http.StatusInternalServerError, "database_error", "Failed to retrieve consent")
		return
	}
	if vc == nil {
		h.sendError(w, http.StatusNotFound, "not_found", "No consent recorded")
		return
	}
	h.sendJSON(w, http.StatusOK, vc)
}

// putConsent rejects consent strings that do not decode
func (h *ConsentAdminHandler) putConsent(w http.ResponseWriter, r *http.Request, userID string) {
	var req ConsentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_json", "Invalid request body")
		return
	}

	version, err := consent.Validate(req.ConsentString)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "malformed_consent", err.Error())
		return
	}

	vc := &storage.VendorConsent{
		UserID:        userID,
		GDPRApplies:   req.GDPRApplies,
		ConsentString: req.ConsentString,
	}
	if err := h.store.Upsert(r.Context(), vc); err != nil {
		logger.Log.Error().Err(err).Str("user_id", userID).Msg("Failed to record consent")
		h.sendError(w, http.StatusInternalServerError, "database_error", "Failed to record consent")
		return
	}

	logger.Log.Info().
		Str("user_id", userID).
		Bool("gdpr_applies", vc.GDPRApplies).
		Uint8("tcf_version", version).
		Msg("Consent recorded")

	h.sendJSON(w, http.StatusOK, vc)
}

func (h *ConsentAdminHandler) deleteConsent(w http.ResponseWriter, r *http.Request, userID string) {
	err := h.store.Delete(r.Context(), userID)
	if errors.Is(err, storage.ErrConsentNotFound) {
		h.sendError(w, http.StatusNotFound, "not_found", "No consent recorded")
		return
	}
	if err != nil {
		logger.Log.Error().Err(err).Str("user_id", userID).Msg("Failed to delete consent")
		h.sendError(w, http.StatusInternalServerError, "database_error", "Failed to delete consent")
		return
	}

	logger.Log.Info().Str("user_id", userID).Msg("Consent deleted")
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user_id": userID,
	})
}

func (h *ConsentAdminHandler) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

func (h *ConsentAdminHandler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}
