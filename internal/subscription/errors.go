package subscription

import "errors"

// ErrInvalidModule is returned for a module missing customer, country or city.
var ErrInvalidModule = errors.New("module has no complete site location")
