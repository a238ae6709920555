package secure

import "errors"

// Secure packet errors.
var (
	// ErrAuthFailed is returned when a message authentication code does
	// not verify, or the server rejected the authentication.
	ErrAuthFailed = errors.New("secure: authentication failed")

	// ErrNotWrapper is returned when a frame is not a secure wrapper.
	ErrNotWrapper = errors.New("secure: not a secure wrapper frame")

	// ErrWrapperTooShort is returned for secure frames below the minimum
	// wrapper size; such frames are rejected before any decryption.
	ErrWrapperTooShort = errors.New("secure: frame below minimum wrapper size")

	// ErrWrapperLength is returned when the frame length does not match
	// the header's total length.
	ErrWrapperLength = errors.New("secure: frame length mismatch")
)

// Secure wrapper frame constants.
const (
	// MinWrapperSize is the minimum secure wrapper frame size: header (6),
	// session id (2), sequence (6), serial (6), tag (2), empty payload
	// header (6), MAC (16).
	MinWrapperSize = 44

	// wrapperOverhead is the wrapper size around the encapsulated packet.
	wrapperOverhead = 38

	// sessionInfoSize covers session id, sequence, serial, and tag.
	sessionInfoSize = 2 + 6 + 6 + 2
)
