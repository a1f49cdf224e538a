package scan

import "errors"

var (
	ErrGameNotFound  = errors.New("game not found")
	ErrEmptySeed     = errors.New("seed is required")
	ErrInvalidRange  = errors.New("invalid round range")
	ErrRangeTooLarge = errors.New("round range exceeds the scan limit")
	ErrInvalidTarget = errors.New("invalid target condition")
)
