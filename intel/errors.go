package intel

import "errors"

// ErrSourceNotFound is returned when a source id is unknown.
var ErrSourceNotFound = errors.New("intel: source not found")

// ErrInvalidSource is returned when a catalog entry fails validation.
var ErrInvalidSource = errors.New("intel: invalid source")

// ErrInvalidArticle is returned when a freeform article has no usable URL or text.
var ErrInvalidArticle = errors.New("intel: invalid article")

// ErrStoreUnavailable is returned when the store cannot be reached. It is
// the only run-fatal condition.
var ErrStoreUnavailable = errors.New("intel: store unavailable")
