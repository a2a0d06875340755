// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with context and match with errors.Is.
var (
	// Port management errors
	ErrPortNotFound = errors.New("opte: port not found")
	ErrPortExists   = errors.New("opte: port already registered")
	ErrPortClosed   = errors.New("opte: port closed")

	// Rule and layer errors
	ErrLayerNotFound    = errors.New("opte: layer not found")
	ErrRuleNotFound     = errors.New("opte: rule not found")
	ErrDuplicateRule    = errors.New("opte: duplicate rule id")
	ErrInvalidPredicate = errors.New("opte: invalid predicate")
	ErrInvalidAction    = errors.New("opte: invalid action")

	// Resource exhaustion
	ErrPoolExhausted = errors.New("opte: nat pool exhausted")
	ErrTableFull     = errors.New("opte: flow table full")

	// Malformed input
	ErrPacketTooShort   = errors.New("opte: packet too short")
	ErrUnsupportedProto = errors.New("opte: unsupported protocol")
	ErrMalformed        = errors.New("opte: malformed packet")
	ErrVNIMismatch      = errors.New("opte: vni mismatch")

	// Resolution
	ErrUnresolvable = errors.New("opte: unresolvable destination")

	// NAT book-keeping
	ErrMappingNotFound = errors.New("opte: nat mapping not found")

	// Configuration errors
	ErrInvalidRange  = errors.New("opte: invalid range")
	ErrConfigInvalid = errors.New("opte: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("opte: daemon not running")
)
