package chat

import "errors"

// notCachedError reports a chat request for an alias that is neither
// resident nor cached, for 400 mapping.
type notCachedError struct{ alias string }

func (e notCachedError) Error() string { return "model not found in cache: " + e.alias }

// ErrNotCached constructs a notCachedError.
func ErrNotCached(alias string) error { return notCachedError{alias: alias} }

// IsNotCached reports whether err indicates a model absent from both the
// residency and cache listings.
func IsNotCached(err error) bool {
	var nc notCachedError
	return errors.As(err, &nc)
}
