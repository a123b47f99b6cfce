package mesh

type Trigger int

const (
	TriggerTransportFailure Trigger = iota
	TriggerPeerError
	TriggerMediaStall
	TriggerNegotiationTimeout
)

func (t Trigger) String() string {
	switch t {
	case TriggerTransportFailure:
		return "transport_failure"
	case TriggerPeerError:
		return "peer_error"
	case TriggerMediaStall:
		return "media_stall"
	case TriggerNegotiationTimeout:
		return "negotiation_timeout"
	default:
		return "unknown"
	}
}

type Action int

const (
	ActionNone Action = iota
	ActionRestartICE
	// ActionRecreate destroys the link and builds a new one with the same
	// role after the recovery delay.
	ActionRecreate
	// ActionRequestReconnect asks the relay to nudge the room pairwise.
	ActionRequestReconnect
	// ActionDelayedReconnect sends the reconnect request once the recovery
	// delay has passed.
	ActionDelayedReconnect
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestartICE:
		return "restart_ice"
	case ActionRecreate:
		return "recreate"
	case ActionRequestReconnect:
		return "request_reconnect"
	case ActionDelayedReconnect:
		return "delayed_reconnect"
	default:
		return "unknown"
	}
}

// RecoveryPolicy decides how a link recovers from trigger. A responder never
// re-initiates signaling itself: it asks the relay so the remote initiator
// drives recreation. Responders never restart ICE since only the offering
// side can renegotiate.
func RecoveryPolicy(role Role, trigger Trigger, canRestartICE bool) Action {
	if role != RoleInitiator {
		if trigger == TriggerPeerError {
			return ActionDelayedReconnect
		}
		return ActionRequestReconnect
	}

	switch trigger {
	case TriggerTransportFailure:
		if canRestartICE {
			return ActionRestartICE
		}
		return ActionRecreate
	case TriggerPeerError, TriggerNegotiationTimeout:
		return ActionRecreate
	case TriggerMediaStall:
		return ActionRequestReconnect
	default:
		return ActionNone
	}
}
