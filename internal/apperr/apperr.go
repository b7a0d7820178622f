// Package apperr описывает классы ошибок ядра записи на визит.
// Наружу (в HTTP ответ) выходят только Conflict, NotFound и Invalid,
// ошибки провайдеров и устаревшие координаты поглощаются внутри.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict - не выполнено предусловие перехода (уже назначен врач, чужой пользователь, неверный статус)
	ErrConflict = errors.New("conflict")
	// ErrNotFound - заявка или врач не найдены
	ErrNotFound = errors.New("not found")
	// ErrInvalid - некорректные входные данные
	ErrInvalid = errors.New("invalid input")
	// ErrTransientProvider - сбой или таймаут провайдера маршрутов/геокодирования
	ErrTransientProvider = errors.New("transient provider failure")
	// ErrStaleInput - координата старше уже принятой или дубликат
	ErrStaleInput = errors.New("stale input")
)

// Error - ошибка с классом и сообщением для пользователя
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) error {
	return newError(ErrConflict, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(ErrNotFound, format, args...)
}

func Invalid(format string, args ...interface{}) error {
	return newError(ErrInvalid, format, args...)
}

// TransientProvider оборачивает ошибку внешнего провайдера
func TransientProvider(provider string, err error) error {
	return &Error{Kind: ErrTransientProvider, Message: fmt.Sprintf("%s: %v", provider, err)}
}

// Message возвращает текст, пригодный для показа пользователю
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// IsUserFacing сообщает, можно ли отдавать ошибку клиенту как есть
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid)
}
