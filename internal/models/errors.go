package models

import "errors"

// Ошибки сессий и state-машины.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("operation is not allowed in the current session state")
	// ErrEmptyAction - пустое или пробельное действие. Ошибка ввода
	// вызывающего, не нарушение state-машины.
	ErrEmptyAction = errors.New("action must not be empty")
)

// Ошибки взаимодействия с бэкендом генерации.
var (
	// ErrBackendUnavailable - транзиентная ошибка (таймаут, rate limit).
	// Движок автоматически повторяет запрос один раз.
	ErrBackendUnavailable = errors.New("narrative backend is temporarily unavailable")
	// ErrBackendRejected - постоянная ошибка (auth, quota, некорректный запрос).
	// Не ретраится, сразу отдается вызывающему.
	ErrBackendRejected = errors.New("narrative backend rejected the request")
	// ErrInvalidAIResponse - бэкенд ответил, но ответ не прошел парсинг или
	// валидацию схемы. Восстановимая: движок делает один repair-ретрай.
	ErrInvalidAIResponse = errors.New("invalid AI response")
)

// Ошибки персистентности.
var (
	// ErrStorage - ошибка хранилища. Всегда фатальна для текущего хода:
	// наработанная дельта отбрасывается, сохраненное состояние не меняется.
	ErrStorage = errors.New("session storage failure")
)
