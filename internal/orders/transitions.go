package orders

import (
	"trading_core/internal/core"
)

// allowedTransitions is the order lifecycle graph. Terminal statuses have no
// outgoing edges.
var allowedTransitions = map[core.OrderStatus][]core.OrderStatus{
	core.StatusNew: {
		core.StatusSubmitted,
		core.StatusRejected,
		core.StatusCanceled,
	},
	core.StatusSubmitted: {
		core.StatusOpen,
		core.StatusPartiallyFilled,
		core.StatusFilled,
		core.StatusRejected,
		core.StatusCanceled,
		core.StatusExpired,
	},
	core.StatusOpen: {
		core.StatusPartiallyFilled,
		core.StatusFilled,
		core.StatusCanceling,
		core.StatusCanceled,
		core.StatusRejected,
		core.StatusExpired,
	},
	core.StatusPartiallyFilled: {
		core.StatusFilled,
		core.StatusCanceling,
		core.StatusCanceled,
		core.StatusRejected,
		core.StatusExpired,
	},
	core.StatusCanceling: {
		core.StatusPartiallyFilled,
		core.StatusFilled,
		core.StatusCanceled,
		core.StatusRejected,
		core.StatusExpired,
	},
}

// statusEvents maps a reached status to the event type recorded for it.
var statusEvents = map[core.OrderStatus]core.EventType{
	core.StatusSubmitted:       core.EventSubmitted,
	core.StatusOpen:            core.EventOpened,
	core.StatusPartiallyFilled: core.EventPartialFill,
	core.StatusFilled:          core.EventFilled,
	core.StatusCanceling:       core.EventCancelRequested,
	core.StatusCanceled:        core.EventCanceled,
	core.StatusRejected:        core.EventRejected,
	core.StatusExpired:         core.EventExpired,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to core.OrderStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
