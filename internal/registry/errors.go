package registry

import "errors"

// ErrModuleNotFound is returned when a module ID does not exist.
var ErrModuleNotFound = errors.New("module not found")
