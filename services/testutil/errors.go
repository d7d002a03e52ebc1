package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest      = "INVALID_REQUEST"
	ErrorCodeUnauthorized        = "UNAUTHORIZED"
	ErrorCodeForbidden           = "FORBIDDEN"
	ErrorCodeRateLimited         = "RATE_LIMITED"
	ErrorCodeConflict            = "CONFLICT"
	ErrorCodeNotFound            = "NOT_FOUND"
	ErrorCodeInvalidState        = "INVALID_STATE"
	ErrorCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrorCodeInvalidAssetCode    = "INVALID_ASSET_CODE"
	ErrorCodeSelfPurchase        = "SELF_PURCHASE"
	ErrorCodeInvariantViolation  = "INVARIANT_VIOLATION"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

// DecodeError decodes the error body of resp.
func DecodeError(t *testing.T, resp *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return errResp
}

// AssertErrorCode checks both the code and the status conventionally paired
// with it. INVALID_ASSET_CODE is paired with 400; pass the status explicitly
// through AssertError for its 500 form.
func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	AssertError(t, resp, statusForCode(expectedCode), expectedCode)
}

func AssertError(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
	if got := DecodeError(t, resp).Code; got != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, got)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidState, ErrorCodeInsufficientBalance,
		ErrorCodeInvalidAssetCode, ErrorCodeSelfPurchase:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
