// Пакет errors — ответы с ошибками в формате протокола StreamBed.
// Два вида тела: {"success": false, "error": "..."} и
// {"success": false, "errors": {"поле": "сообщение"}} для ошибок валидации.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bigkaa/streambed/internal/service"
)

// Сообщения, которые видит клиент протокола.
const (
	MsgAccessDenied   = "Access Denied."
	MsgUnavailable    = "resource unavailable"
	MsgNotFound       = "Not Found."
	MsgAuthRequired   = "Authentication required."
	MsgInternalError  = "Internal error."
	MsgDuplicateEntry = "This version already exists."
)

// errorBody — тело ответа с одной ошибкой.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// fieldErrorsBody — тело ответа с ошибками по полям.
type fieldErrorsBody struct {
	Success bool              `json:"success"`
	Errors  map[string]string `json:"errors"`
}

// WriteError записывает {"success": false, "error": message}.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorBody{Error: message})
}

// WriteFieldErrors записывает {"success": false, "errors": {...}}.
func WriteFieldErrors(w http.ResponseWriter, statusCode int, fields map[string]string) {
	writeJSON(w, statusCode, fieldErrorsBody{Errors: fields})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 с ошибкой в одном поле.
func ValidationError(w http.ResponseWriter, field, message string) {
	WriteFieldErrors(w, http.StatusBadRequest, map[string]string{field: message})
}

// BadRequest — 400 без привязки к полю.
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// NotFound — 404 ресурс отсутствует.
func NotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, MsgNotFound)
}

// Unauthorized — 401 запрос без аутентификации или с неверными учётными данными.
func Unauthorized(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, MsgAuthRequired)
}

// Forbidden — 403 вызывающий не владелец.
func Forbidden(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, MsgAccessDenied)
}

// Unavailable — чужой домен недоступен, копии нет.
// Отдаётся как 200: ответ протокола, а не сбой запроса.
func Unavailable(w http.ResponseWriter) {
	WriteError(w, http.StatusOK, MsgUnavailable)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, MsgInternalError)
}

// FromService записывает ответ для ошибки сервисного слоя и возвращает
// записанный статус. 500 означает ошибку, которую вызывающий должен залогировать.
func FromService(w http.ResponseWriter, err error) int {
	var (
		vErr *service.ValidationError
		cErr *service.ConflictError
	)
	switch {
	case errors.As(err, &vErr):
		ValidationError(w, vErr.Field, vErr.Message)
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDuplicate):
		BadRequest(w, MsgDuplicateEntry)
		return http.StatusBadRequest
	case errors.As(err, &cErr):
		WriteError(w, http.StatusForbidden, cErr.Error())
		return http.StatusForbidden
	case errors.Is(err, service.ErrForbidden):
		Forbidden(w)
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnauthenticated):
		Unauthorized(w)
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		NotFound(w)
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnavailable):
		Unavailable(w)
		return http.StatusOK
	default:
		InternalError(w)
		return http.StatusInternalServerError
	}
}

// Message возвращает текст ошибки для агрегированного ответа {errors: {key: msg}}.
func Message(err error) string {
	var (
		vErr *service.ValidationError
		cErr *service.ConflictError
	)
	switch {
	case errors.As(err, &vErr):
		return vErr.Error()
	case errors.Is(err, service.ErrDuplicate):
		return MsgDuplicateEntry
	case errors.As(err, &cErr):
		return cErr.Error()
	case errors.Is(err, service.ErrForbidden):
		return MsgAccessDenied
	case errors.Is(err, service.ErrUnauthenticated):
		return MsgAuthRequired
	case errors.Is(err, service.ErrNotFound):
		return MsgNotFound
	case errors.Is(err, service.ErrUnavailable):
		return MsgUnavailable
	default:
		return MsgInternalError
	}
}
