package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"device-security-service/internal/authflow"
	"device-security-service/internal/biometric"
	"device-security-service/internal/lockout"
	"device-security-service/internal/models"
	"device-security-service/internal/pin"
	"device-security-service/internal/service"
	"device-security-service/internal/storage"
	"device-security-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SecurityHandler handles HTTP requests for device security operations
type SecurityHandler struct {
	securityService *service.SecurityService
	logger          *zap.Logger
}

// NewSecurityHandler creates a new security handler
func NewSecurityHandler(securityService *service.SecurityService, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		securityService: securityService,
		logger:          logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// pinRequest carries a single PIN entry.
type pinRequest struct {
	PIN      string `json:"pin"`
	Platform string `json:"platform,omitempty"`
}

// pinUpdateRequest carries a PIN change.
type pinUpdateRequest struct {
	CurrentPIN string `json:"current_pin"`
	NewPIN     string `json:"new_pin"`
	Platform   string `json:"platform,omitempty"`
}

// biometricRequest carries the device's capability report.
type biometricRequest struct {
	Platform string                  `json:"platform,omitempty"`
	Report   *biometric.ClientReport `json:"report,omitempty"`
}

// trustRequest carries install metadata for registration.
type trustRequest struct {
	DeviceName string `json:"device_name,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// evaluateRequest carries an optional biometric report for the silent
// unlock branch of flow evaluation.
type evaluateRequest struct {
	Report *biometric.ClientReport `json:"report,omitempty"`
}

// RegisterRoutes registers all device security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/devices/{deviceID}", func(r chi.Router) {
		r.Route("/pin", func(r chi.Router) {
			r.Post("/", h.SetupPIN)
			r.Get("/", h.HasPIN)
			r.Put("/", h.UpdatePIN)
			r.Delete("/", h.DeletePIN)
			r.Post("/verify", h.VerifyPIN)
			r.Post("/forgot", h.ForgotPIN)
		})

		r.Route("/biometric", func(r chi.Router) {
			r.Get("/", h.BiometricStatus)
			r.Post("/enable", h.EnableBiometric)
			r.Post("/disable", h.DisableBiometric)
		})

		r.Route("/trust", func(r chi.Router) {
			r.Get("/", h.DeviceTrust)
			r.Post("/", h.MarkDeviceKnown)
		})

		r.Get("/lockout", h.LockoutStatus)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/evaluate", h.EvaluateFlow)
			r.Post("/pin", h.SubmitPIN)
		})
	})
}

// SetupPIN handles initial PIN configuration for a device
func (h *SecurityHandler) SetupPIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	deviceID := chi.URLParam(r, "deviceID")
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.securityService.SetupPIN(ctx, deviceID, h.platformOf(r, req.Platform), req.PIN); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to set up PIN")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(nil, "PIN configured"))
	h.logger.Info("PIN configured via HTTP",
		util.String("device_id", deviceID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SetupPIN"),
	)
}

// HasPIN reports whether a credential exists for the device
func (h *SecurityHandler) HasPIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	configured, err := h.securityService.HasPIN(ctx, deviceID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check PIN")
		return
	}

	data := map[string]interface{}{"configured": configured}
	if configured {
		if lastChanged, err := h.securityService.PINLastChanged(ctx, deviceID); err == nil {
			data["last_changed"] = lastChanged
		}
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(data, "PIN status retrieved"))
}

// VerifyPIN handles one flow-level verification attempt
func (h *SecurityHandler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	deviceID := chi.URLParam(r, "deviceID")
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	state, err := h.securityService.VerifyPIN(ctx, deviceID, h.platformOf(r, req.Platform), req.PIN)
	if err != nil {
		h.respondLockedOrError(w, err, "PIN verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"state": state.String(),
	}, "PIN verified"))
	h.logger.Info("PIN verified via HTTP",
		util.String("device_id", deviceID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyPIN"),
	)
}

// UpdatePIN handles PIN change with current-PIN proof
func (h *SecurityHandler) UpdatePIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID := chi.URLParam(r, "deviceID")
	var req pinUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.securityService.UpdatePIN(ctx, deviceID, h.platformOf(r, req.Platform), req.CurrentPIN, req.NewPIN); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update PIN")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "PIN updated"))
}

// DeletePIN removes the device credential
func (h *SecurityHandler) DeletePIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.securityService.DeletePIN(ctx, deviceID, h.platformOf(r, "")); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to delete PIN")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "PIN deleted"))
}

// ForgotPIN clears the credential and the lockout counter so the device
// can re-run setup after re-proving identity upstream
func (h *SecurityHandler) ForgotPIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.securityService.ForgotPIN(ctx, deviceID, h.platformOf(r, "")); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset PIN")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "PIN reset; setup required"))
	h.logger.Info("Forgot-PIN processed via HTTP",
		util.String("device_id", deviceID),
		util.String("method", "ForgotPIN"),
	)
}

// BiometricStatus returns capability and the stored preference flag
func (h *SecurityHandler) BiometricStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	capability, enabled, err := h.securityService.BiometricStatus(ctx, deviceID, reportFromHeader(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get biometric status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"capability": capability,
		"enabled":    enabled,
	}, "Biometric status retrieved"))
}

// EnableBiometric opts the device in to biometric unlock
func (h *SecurityHandler) EnableBiometric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	var req biometricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.securityService.EnableBiometric(ctx, deviceID, h.platformOf(r, req.Platform), req.Report); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to enable biometric unlock")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Biometric unlock enabled"))
}

// DisableBiometric opts the device out of biometric unlock
func (h *SecurityHandler) DisableBiometric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.securityService.DisableBiometric(ctx, deviceID, h.platformOf(r, "")); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to disable biometric unlock")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Biometric unlock disabled"))
}

// DeviceTrust reports whether the install is known, echoing stored info
// for registered devices
func (h *SecurityHandler) DeviceTrust(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	isNew, err := h.securityService.IsNewDevice(ctx, deviceID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check device trust")
		return
	}

	data := map[string]interface{}{"new_device": isNew}
	if !isNew {
		info, err := h.securityService.DeviceInfo(ctx, deviceID)
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			h.respondWithError(w, h.getStatusCode(err), err, "Failed to load device info")
			return
		}
		if info != nil {
			data["device"] = info
		}
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Device trust retrieved"))
}

// MarkDeviceKnown registers the install in the trust registry
func (h *SecurityHandler) MarkDeviceKnown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	var req trustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	info := models.DeviceInfo{
		DeviceID:   deviceID,
		DeviceName: req.DeviceName,
		Platform:   h.platformOf(r, req.Platform),
		AppVersion: req.AppVersion,
	}
	if err := h.securityService.MarkDeviceKnown(ctx, info); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to register device")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Device registered"))
}

// LockoutStatus re-derives the lockout countdown for the device
func (h *SecurityHandler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	status, err := h.securityService.LockoutStatus(ctx, deviceID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get lockout status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Lockout status retrieved"))
}

// EvaluateFlow computes the device's authentication state
func (h *SecurityHandler) EvaluateFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	var req evaluateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
	}

	state, err := h.securityService.EvaluateFlow(ctx, deviceID, req.Report)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to evaluate authentication state")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"state": state.String(),
	}, "Authentication state evaluated"))
}

// SubmitPIN is the flow-level PIN entry: lockout checked before the
// credential, counter tracked across attempts
func (h *SecurityHandler) SubmitPIN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	state, err := h.securityService.VerifyPIN(ctx, deviceID, h.platformOf(r, req.Platform), req.PIN)
	if err != nil {
		h.respondLockedOrError(w, err, "PIN attempt failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"state": state.String(),
	}, "Authenticated"))
}

// platformOf prefers the body's platform tag, falling back to the
// X-Platform header the mobile client sends on every request.
func (h *SecurityHandler) platformOf(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("X-Platform")
}

// reportFromHeader rebuilds a capability report from the headers GET
// requests carry, since they have no body.
func reportFromHeader(r *http.Request) *biometric.ClientReport {
	raw := r.Header.Get("X-Biometric-Report")
	if raw == "" {
		return nil
	}
	var report biometric.ClientReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil
	}
	return &report
}

// respondLockedOrError includes the countdown in lockout responses so
// clients can render it without a second request.
func (h *SecurityHandler) respondLockedOrError(w http.ResponseWriter, err error, message string) {
	var locked *lockout.LockedError
	if errors.As(err, &locked) {
		h.logger.Warn("Locked device attempted authentication",
			util.Int("remaining_seconds", locked.RemainingSeconds),
		)
		resp := errorResponse(err, message)
		resp.Data = map[string]interface{}{
			"locked":            true,
			"remaining_seconds": locked.RemainingSeconds,
		}
		h.respondWithJSON(w, http.StatusLocked, resp)
		return
	}
	h.respondWithError(w, h.getStatusCode(err), err, message)
}

// respondWithJSON sends a JSON response
func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *SecurityHandler) getStatusCode(err error) int {
	var locked *lockout.LockedError
	switch {
	case errors.Is(err, pin.ErrInvalidPIN):
		return http.StatusBadRequest
	case errors.Is(err, pin.ErrNotConfigured):
		return http.StatusPreconditionRequired
	case errors.Is(err, pin.ErrIncorrectPIN):
		return http.StatusUnauthorized
	case errors.As(err, &locked):
		return http.StatusLocked
	case errors.Is(err, biometric.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, authflow.ErrVerificationInFlight):
		return http.StatusConflict
	case errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
