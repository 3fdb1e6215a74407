package model

import "errors"

// ErrValidation marks client input that can never succeed as sent.
var ErrValidation = errors.New("validation failed")
