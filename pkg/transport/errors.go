package transport

import "errors"

// Transport errors.
var (
	// ErrConnectionClosed is returned for operations on a closed or never
	// established connection.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrSetupTimeout is returned when a secure session handshake step
	// exceeds its deadline.
	ErrSetupTimeout = errors.New("transport: secure session setup timeout")

	// ErrReplay is reported when an inbound secure packet carries a
	// sequence number below the expected one.
	ErrReplay = errors.New("transport: replay detected")

	// ErrSessionMismatch is reported when an unwrapped packet carries a
	// session id different from the bound one.
	ErrSessionMismatch = errors.New("transport: secure session mismatch")

	// ErrSessionClosed is returned when sending on a session that is not
	// authenticated.
	ErrSessionClosed = errors.New("transport: secure session not open")

	// ErrUserOutOfRange is returned for session users outside [1..127].
	ErrUserOutOfRange = errors.New("transport: user out of range [1..127]")

	// ErrKeyLength is returned for keys of invalid length at session
	// construction.
	ErrKeyLength = errors.New("transport: invalid key length")

	// ErrResponseTimeout is returned when a response to a client request
	// does not arrive in time.
	ErrResponseTimeout = errors.New("transport: timeout waiting for response")

	// ErrConnectFailed is returned when the server declines a connect
	// request.
	ErrConnectFailed = errors.New("transport: connect request failed")
)
