package replication

import "errors"

var (
	// ErrUnknownNode is returned when an operation names a node the manager
	// has never seen.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownBlock is returned when an operation names a block that is
	// neither cataloged nor held by any node.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrInvalidReplication is returned for a replication factor outside
	// [1, max].
	ErrInvalidReplication = errors.New("invalid replication factor")

	// ErrIllegalTransition is returned when a node state change is not one
	// of the permitted edges.
	ErrIllegalTransition = errors.New("illegal node state transition")

	// ErrNotDecommissioning is returned when waiting on a node that has not
	// been asked to decommission.
	ErrNotDecommissioning = errors.New("node is not decommissioning")

	// ErrDecommissionCancelled is delivered to waiters when a node is taken
	// off the exclude list or removed before it finishes draining.
	ErrDecommissionCancelled = errors.New("decommission cancelled")

	// ErrInvalidNode is returned when a registration carries neither an ID
	// nor a name.
	ErrInvalidNode = errors.New("node requires an id or a name")

	// ErrDuplicateName is returned when a registration advertises a name
	// another node already uses.
	ErrDuplicateName = errors.New("node name already registered")
)
