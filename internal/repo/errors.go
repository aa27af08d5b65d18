package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — переход состояния run запрещён state machine
	// (например, cancel для run в терминальном состоянии).
	ErrInvalidState = errors.New("invalid state")
)
