package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// errorBody — единственная форма ошибки наружу: стабильный код + сообщение.
// Сырой текст внутренней ошибки клиенту не уходит никогда.
type errorBody struct {
	Error struct {
		Code    domain.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

var codeStatus = map[domain.Code]int{
	domain.CodeValidation:          http.StatusBadRequest,
	domain.CodeUnauthorized:        http.StatusUnauthorized,
	domain.CodeTenantMismatch:      http.StatusForbidden,
	domain.CodeKillSwitchActive:    http.StatusForbidden,
	domain.CodeApprovalRequired:    http.StatusForbidden,
	domain.CodeSelfApprovalDenied:  http.StatusForbidden,
	domain.CodeConnectorReadOnly:   http.StatusForbidden,
	domain.CodeRateLimited:         http.StatusTooManyRequests,
	domain.CodeCapabilityNotFound:  http.StatusNotFound,
	domain.CodeNotFound:            http.StatusNotFound,
	domain.CodeAlreadyExecuted:     http.StatusConflict,
	domain.CodeConflict:            http.StatusConflict,
	domain.CodeRollbackUnsupported: http.StatusUnprocessableEntity,
	domain.CodeConnectorDown:       http.StatusServiceUnavailable,
	domain.CodeDegradedMode:        http.StatusServiceUnavailable,
	domain.CodeExecutionFailed:     http.StatusInternalServerError,
	domain.CodeRollbackFailed:      http.StatusInternalServerError,
}

// respondJSON пишет успешный ответ.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError мапит доменную ошибку на HTTP-статус по стабильному коду.
// Ошибка без кода считается внутренней: наружу уходит EXECUTION_FAILED/500.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var ce *domain.CodedError
	if !errors.As(err, &ce) {
		logger.Error("unclassified error", zap.Error(err))
		ce = domain.NewError(domain.CodeExecutionFailed, "internal error")
	}

	status, ok := codeStatus[ce.Code]
	if !ok {
		status = http.StatusInternalServerError
	}

	if ce.Code == domain.CodeRateLimited && ce.RetryAfter > 0 {
		seconds := int64(math.Ceil(ce.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	var body errorBody
	body.Error.Code = ce.Code
	body.Error.Message = ce.Message
	respondJSON(w, status, body)
}

// decodeBody — строгий JSON-декодер тела запроса.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.WrapError(domain.CodeValidation, "request body is not valid JSON", err)
	}
	return nil
}
