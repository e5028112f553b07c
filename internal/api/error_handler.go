package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"tontap/internal/game"
	"tontap/internal/monetization"
	"tontap/internal/security"
)

// ErrorCode represents different error types
type ErrorCode string

const (
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeDuplicateEntry     ErrorCode = "DUPLICATE_ENTRY"
	ErrCodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeEnergyDepleted     ErrorCode = "ENERGY_DEPLETED"
	ErrCodeWithdrawalLocked   ErrorCode = "WITHDRAWAL_LOCKED"
)

// APIError represents a structured API error
type APIError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorResponse represents the complete error response
type ErrorResponse struct {
	Error   *APIError `json:"error"`
	Success bool      `json:"success"`
}

// ErrorHandler handles HTTP errors with proper formatting
type ErrorHandler struct {
	logger *log.Logger
}

func NewErrorHandler(logger *log.Logger) *ErrorHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &ErrorHandler{logger: logger}
}

// HandleError handles an error and writes appropriate response
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := eh.classifyError(err)
	apiErr.RequestID = middleware.GetReqID(r.Context())

	eh.logError(r, apiErr, status, err)
	eh.writeErrorResponse(w, apiErr, status)
}

// classifyError maps engine and transport errors onto the envelope.
func (eh *ErrorHandler) classifyError(err error) (*APIError, int) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cp := *apiErr
		return &cp, eh.getStatusCodeForError(cp.Code)
	}

	var e *APIError
	switch {
	case errors.Is(err, game.ErrInsufficientEnergy):
		e = &APIError{Code: ErrCodeEnergyDepleted, Message: "Energy depleted"}
	case errors.Is(err, game.ErrWithdrawalLocked):
		e = &APIError{
			Code:    ErrCodeWithdrawalLocked,
			Message: fmt.Sprintf("Need %d referrals to unlock withdrawal", game.ReferralsToUnlock()),
		}
	case errors.Is(err, game.ErrInsufficientBalance):
		e = &APIError{Code: ErrCodeInsufficientFunds, Message: "Balance below minimum withdrawal"}
	case errors.Is(err, game.ErrInvalidAmount):
		e = &APIError{Code: ErrCodeInvalidRequest, Message: "Invalid amount"}
	case errors.Is(err, game.ErrSessionClosed):
		e = &APIError{Code: ErrCodeServiceUnavailable, Message: "Session closed, retry"}
	case errors.Is(err, monetization.ErrUnknownOption), errors.Is(err, monetization.ErrAdSessionNotFound):
		e = &APIError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, monetization.ErrVerificationRequired):
		e = &APIError{Code: ErrCodeForbidden, Message: err.Error()}
	case errors.Is(err, monetization.ErrBadSignature), errors.Is(err, security.ErrInvalidToken):
		e = &APIError{Code: ErrCodeUnauthorized, Message: "Authentication required"}
	case errors.Is(err, monetization.ErrStaleWebhook):
		e = &APIError{Code: ErrCodeDuplicateEntry, Message: err.Error()}
	default:
		e = &APIError{Code: ErrCodeInternalError, Message: "Internal server error"}
	}
	e.Timestamp = time.Now()
	return e, eh.getStatusCodeForError(e.Code)
}

// getStatusCodeForError returns HTTP status code for error code
func (eh *ErrorHandler) getStatusCodeForError(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeWithdrawalLocked:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateEntry:
		return http.StatusConflict
	case ErrCodeRateLimit, ErrCodeEnergyDepleted:
		return http.StatusTooManyRequests
	case ErrCodeInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// logError logs server errors only.
func (eh *ErrorHandler) logError(r *http.Request, apiErr *APIError, status int, cause error) {
	if status < 500 {
		return
	}

	logEntry := map[string]interface{}{
		"timestamp":  time.Now().Format(time.RFC3339),
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"error_code": apiErr.Code,
		"message":    apiErr.Message,
		"cause":      fmt.Sprint(cause),
		"request_id": apiErr.RequestID,
	}

	logJSON, _ := json.Marshal(logEntry)
	eh.logger.Printf("ERROR: %s", string(logJSON))
}

// writeErrorResponse writes the error response
func (eh *ErrorHandler) writeErrorResponse(w http.ResponseWriter, apiErr *APIError, status int) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.Code == ErrCodeRateLimit {
		if after, ok := apiErr.Details["retry_after"]; ok {
			w.Header().Set("Retry-After", fmt.Sprint(after))
		}
	}
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{Error: apiErr, Success: false})
}

// RecoveryMiddleware handles panics and converts them to errors
func (eh *ErrorHandler) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				eh.logger.Printf("PANIC: %v\n%s", rec, getStackTrace())
				eh.writeErrorResponse(w, &APIError{
					Code:      ErrCodeInternalError,
					Message:   "Internal server error",
					Timestamp: time.Now(),
					RequestID: middleware.GetReqID(r.Context()),
				}, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func getStackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// Error creation helpers

func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:      ErrCodeInvalidRequest,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewUnauthorizedError(message string) *APIError {
	return &APIError{
		Code:      ErrCodeUnauthorized,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewNotFoundError(message string) *APIError {
	return &APIError{
		Code:      ErrCodeNotFound,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewRateLimitError(retryAfter int) *APIError {
	return &APIError{
		Code:    ErrCodeRateLimit,
		Message: "Too many requests",
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
		Timestamp: time.Now(),
	}
}
