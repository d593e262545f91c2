package config

import "errors"

var (
	// ErrMissingTerminalID indicates that TERMINAL_ID is unset or empty
	ErrMissingTerminalID = errors.New("TERMINAL_ID is required")

	// ErrMissingPort indicates that TERMINAL_PORT is unset
	ErrMissingPort = errors.New("TERMINAL_PORT is required")

	// ErrInvalidPort indicates that TERMINAL_PORT is not an integer in [1024, 65535]
	ErrInvalidPort = errors.New("TERMINAL_PORT must be an integer between 1024 and 65535")

	// ErrInvalidPeerURL indicates that an entry in PEER_TERMINALS is not a valid ws:// or wss:// URL
	ErrInvalidPeerURL = errors.New("PEER_TERMINALS entries must be ws:// or wss:// URLs")

	// ErrInvalidInterval indicates that a millisecond interval variable is not a positive integer
	ErrInvalidInterval = errors.New("interval must be a positive integer of milliseconds")

	// ErrInvalidThreshold indicates that the divergence threshold is not a positive integer
	ErrInvalidThreshold = errors.New("RECONCILE_DIVERGENCE_THRESHOLD must be a positive integer")

	// ErrConfigFileNotFound indicates that an explicitly named settings file does not exist
	ErrConfigFileNotFound = errors.New("settings file not found")

	// ErrInvalidConfigFormat indicates that the settings file is not valid JSON
	ErrInvalidConfigFormat = errors.New("settings file is not valid JSON")
)
