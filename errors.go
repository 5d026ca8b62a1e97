package mqttrequest

import "errors"

var (
	// ErrEngineClosed is returned when an operation is attempted on a closed engine.
	ErrEngineClosed = errors.New("mqttrequest: engine closed")

	// ErrTimeout is returned by Call when no response arrives in time.
	ErrTimeout = errors.New("mqttrequest: request timeout")

	// ErrEmptyTopic is returned when a base topic is empty.
	ErrEmptyTopic = errors.New("mqttrequest: topic cannot be empty")

	// ErrReservedSegment is returned when a base topic contains
	// the @request or @response marker.
	ErrReservedSegment = errors.New("mqttrequest: topic contains reserved segment")

	// ErrNilHandler is returned when a nil callback is registered.
	ErrNilHandler = errors.New("mqttrequest: handler is required")

	// ErrNilTransport is returned when an engine is created without a transport.
	ErrNilTransport = errors.New("mqttrequest: transport is required")

	// ErrInvalidTimeout is returned when the configured timeout is not positive.
	ErrInvalidTimeout = errors.New("mqttrequest: timeout must be positive")

	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("mqttrequest: transport closed")
)
