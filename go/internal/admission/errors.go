package admission

import "errors"

var (
	// ErrUnauthorized means the request carried no usable credential.
	ErrUnauthorized = errors.New("auth/unauthorized")

	// ErrInvalidToken means the identity oracle rejected the credential.
	ErrInvalidToken = errors.New("auth/invalid-token")

	// ErrThrottled means the rate ceiling for the key was exceeded.
	ErrThrottled = errors.New("throttled")
)
