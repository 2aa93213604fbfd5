package storage

import "errors"

// ErrBotNotFound is returned when a bot config lookup fails.
var ErrBotNotFound = errors.New("bot config not found")
