package agent

import "errors"

var (
	ErrInvalidDefinition = errors.New("invalid agent definition")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrEmptyRegistry     = errors.New("no valid agent definitions found")
	ErrDuplicateID       = errors.New("duplicate agent id")
)
