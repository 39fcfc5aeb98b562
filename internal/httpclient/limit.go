package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// BodyTooLargeError reports that a response body exceeded the read limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsBodyTooLarge reports whether err is a body limit violation.
func IsBodyTooLarge(err error) bool {
	var limitErr BodyTooLargeError
	return errors.As(err, &limitErr)
}

// ReadBody reads r to the end, failing once more than limit bytes arrive.
// A limit <= 0 reads without bound.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, BodyTooLargeError{Limit: limit}
	}
	return data, nil
}
