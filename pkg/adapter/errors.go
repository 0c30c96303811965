package adapter

import "fmt"

// ConnClosedError is returned when operations are attempted on a closed connection.
type ConnClosedError struct{}

// ConConfEmptyError indicates that a nil client configuration was passed to Dial.
type ConConfEmptyError struct{}

// PublisherClosedError is returned when publishing is attempted on a closed publisher.
type PublisherClosedError struct{}

// ConsumerClosedError is returned when consuming is attempted after the consumer has been closed.
type ConsumerClosedError struct{}

// NotConnectedError is returned when a channel is requested while no connection is established.
type NotConnectedError struct{}

// ConfigurationError reports a subscription that can never be bound.
// It is raised at registration time and is not retried.
type ConfigurationError struct {
	Queue  string
	Reason string
}

// HandlerError wraps a failure raised while processing one delivery,
// including body decoding and schema validation failures.
type HandlerError struct {
	Queue string
	Err   error
}

// EncodingError is returned when a payload cannot be represented as JSON.
type EncodingError struct {
	Err error
}

// Error implements the error interface for ConnClosedError.
// It indicates the client explicitly closed the connection.
func (e ConnClosedError) Error() string {
	return "connection closed by client"
}

// Error implements the error interface for ConConfEmptyError.
func (ConConfEmptyError) Error() string {
	return "empty client config passed, unable to dial"
}

// Error implements the error interface for PublisherClosedError.
// It signals that the publisher has already been closed.
func (PublisherClosedError) Error() string {
	return "publisher already closed, unable to provide"
}

// Error implements the error interface for ConsumerClosedError.
// It signals that the consumer has already been closed.
func (ConsumerClosedError) Error() string {
	return "consumer already closed, unable to provide"
}

func (NotConnectedError) Error() string {
	return "broker connection is not established"
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid subscription for queue %q: %s", e.Queue, e.Reason)
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle message from queue %q: %v", e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode payload: %v", e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}
