package canonical

// EncodingError reports a payload that cannot be canonically represented:
// non-finite numbers, cyclic structures, NUL bytes in identity fields, or
// nesting past the depth bound. It is always a caller bug and never retried.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "canonical: " + e.Reason
}
