package api

import (
	"encoding/json"
	"net/http"

	"A2A-Chain/internal/domain"
	xerrors "A2A-Chain/internal/errors"
)

// errorBody 是失败响应。
type errorBody struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Code    xerrors.Code      `json:"code"`
	Reason  string            `json:"reason"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSuccess 在 fields 上补充 success=true。
func writeSuccess(w http.ResponseWriter, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	writeJSON(w, http.StatusOK, fields)
}

func writeError(w http.ResponseWriter, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		e = xerrors.Wrap(xerrors.CodeUnknown, err, "internal error")
	}
	body := errorBody{
		Error:   e.Message(),
		Code:    e.Code(),
		Reason:  e.Reason(),
		Details: e.Metadata(),
	}
	writeJSON(w, statusFor(e.Code()), body)
}

// statusFor 把错误码映射为 HTTP 状态码，业务失败一律 200。
func statusFor(code xerrors.Code) int {
	switch code {
	case domain.CodeValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeLedger, xerrors.CodeRetriesExhausted:
		return http.StatusBadGateway
	case xerrors.CodeQueueFailure, xerrors.CodeUnavailable, xerrors.CodeInitializationFailure, xerrors.CodeTimeout:
		return http.StatusServiceUnavailable
	case xerrors.CodeStorageFailure, xerrors.CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func badRequest(field, message string) error {
	return domain.Validation(field, message)
}
