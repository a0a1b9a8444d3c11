package pgaudit

import "errors"

var (
	ErrInvalidIdentifier = errors.New("pgaudit: invalid identifier")
	ErrTableNotFound     = errors.New("pgaudit: table not found")
	ErrUnknownColumn     = errors.New("pgaudit: unknown activity column")
	ErrNotInstalled      = errors.New("pgaudit: activity table is not installed")
)
