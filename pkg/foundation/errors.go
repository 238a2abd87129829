package foundation

import "errors"

var (
	// ErrNotConfiguration is returned for access messages the configuration
	// server does not handle. The node passes them on to the application.
	ErrNotConfiguration = errors.New("foundation: not a configuration message")

	// ErrInvalidMessage is returned for configuration messages with
	// malformed or prohibited parameters. They are ignored without a reply.
	ErrInvalidMessage = errors.New("foundation: invalid message")

	// ErrManagerRequired is returned by NewServer without a configuration manager.
	ErrManagerRequired = errors.New("foundation: configuration manager required")

	// ErrComposition is returned when the composition does not describe the node.
	ErrComposition = errors.New("foundation: invalid composition")
)
