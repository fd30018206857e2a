package twilsock

import "fmt"

// State is the lifecycle state of the connection. Exactly one is active.
type State int

const (
	Disconnected State = iota
	Connecting
	Initializing
	Connected
	Throttling
	WaitAndReconnect
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Initializing:
		return "Initializing"
	case Connected:
		return "Connected"
	case Throttling:
		return "Throttling"
	case WaitAndReconnect:
		return "WaitAndReconnect"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// smEvent is an input to the transition function.
type smEvent int

const (
	smConnect smEvent = iota
	smDisconnect
	smTransportConnected
	smTransportError
	smFatalError
	smInitOK
	smInitFailed
	smInitTimeout
	smThrottled
	smCooldownElapsed
	smBackoffElapsed
	smNetworkUnreachable
	smNetworkAvailable
	smTokenUpdated
)

func (e smEvent) String() string {
	names := [...]string{
		"Connect", "Disconnect", "TransportConnected", "TransportError",
		"FatalError", "InitOK", "InitFailed", "InitTimeout", "Throttled",
		"CooldownElapsed", "BackoffElapsed", "NetworkUnreachable",
		"NetworkAvailable", "TokenUpdated",
	}
	if int(e) < len(names) {
		return names[e]
	}

	return fmt.Sprintf("smEvent(%d)", int(e))
}

// effect is a side effect the actor performs after a transition, in
// the order listed.
type effect int

const (
	effDial effect = iota
	effDialImmediate
	effCloseTransport
	effSendInit
	effStartInitTimer
	effStopInitTimer
	effScheduleReconnect
	effCancelReconnect
	effResetBackoff
	effStartCooldown
	effStopCooldown
	effFlushPending
	effRequeueSent
	effFailPending
	effNotifyFatal
	effSendUpdateToken
)

type transitionKind int

const (
	transitionValid transitionKind = iota
	transitionIgnored
	transitionInvalid
)

// transition is the result of feeding an event to a state. Valid moves to
// To and runs Effects. Ignored stays put but may still run Effects.
// Invalid means the event cannot happen in that state.
type transition struct {
	Kind    transitionKind
	To      State
	Effects []effect
}

func valid(to State, effects ...effect) transition {
	return transition{Kind: transitionValid, To: to, Effects: effects}
}

func ignored(effects ...effect) transition {
	return transition{Kind: transitionIgnored, Effects: effects}
}

var invalid = transition{Kind: transitionInvalid}

// nextState is the complete transition table. Every (state, event) pair
// is enumerated so adding a state or event forces a decision here.
func nextState(s State, e smEvent) transition {
	switch s {
	case Disconnected:
		switch e {
		case smConnect, smTokenUpdated:
			return valid(Connecting, effDialImmediate)
		case smDisconnect, smNetworkUnreachable, smNetworkAvailable:
			return ignored()
		case smTransportConnected, smTransportError, smFatalError, smInitOK,
			smInitFailed, smInitTimeout, smThrottled, smCooldownElapsed, smBackoffElapsed:
			return invalid
		}

	case Connecting:
		switch e {
		case smTransportConnected:
			return valid(Initializing, effSendInit, effStartInitTimer)
		case smTransportError:
			return valid(WaitAndReconnect, effCloseTransport, effScheduleReconnect)
		case smFatalError:
			return valid(Disconnected, effCloseTransport, effFailPending, effNotifyFatal)
		case smDisconnect:
			return valid(Disconnected, effCloseTransport, effFailPending)
		case smNetworkUnreachable:
			return valid(WaitAndReconnect, effCloseTransport)
		case smConnect, smTokenUpdated, smNetworkAvailable:
			return ignored()
		case smInitOK, smInitFailed, smInitTimeout, smThrottled, smCooldownElapsed, smBackoffElapsed:
			return invalid
		}

	case Initializing:
		switch e {
		case smInitOK:
			return valid(Connected, effStopInitTimer, effResetBackoff, effFlushPending)
		case smInitFailed, smThrottled, smTransportError:
			return valid(WaitAndReconnect, effStopInitTimer, effCloseTransport, effScheduleReconnect)
		case smInitTimeout:
			return valid(WaitAndReconnect, effCloseTransport, effScheduleReconnect)
		case smFatalError:
			return valid(Disconnected, effStopInitTimer, effCloseTransport, effFailPending, effNotifyFatal)
		case smDisconnect:
			return valid(Disconnected, effStopInitTimer, effCloseTransport, effFailPending)
		case smNetworkUnreachable:
			return valid(WaitAndReconnect, effStopInitTimer, effCloseTransport)
		case smTokenUpdated:
			return valid(Connecting, effStopInitTimer, effCloseTransport, effDialImmediate)
		case smConnect, smNetworkAvailable:
			return ignored()
		case smTransportConnected, smCooldownElapsed, smBackoffElapsed:
			return invalid
		}

	case Connected:
		switch e {
		case smThrottled:
			return valid(Throttling, effStartCooldown)
		case smTransportError:
			return valid(WaitAndReconnect, effCloseTransport, effRequeueSent, effScheduleReconnect)
		case smFatalError:
			return valid(Disconnected, effCloseTransport, effFailPending, effNotifyFatal)
		case smDisconnect:
			return valid(Disconnected, effCloseTransport, effFailPending)
		case smNetworkUnreachable:
			return valid(WaitAndReconnect, effCloseTransport, effRequeueSent)
		case smTokenUpdated:
			return ignored(effSendUpdateToken)
		case smConnect, smNetworkAvailable:
			return ignored()
		case smTransportConnected, smInitOK, smInitFailed, smInitTimeout, smCooldownElapsed, smBackoffElapsed:
			return invalid
		}

	case Throttling:
		switch e {
		case smCooldownElapsed:
			return valid(Connected, effFlushPending)
		case smThrottled:
			return ignored(effStartCooldown)
		case smTransportError:
			return valid(WaitAndReconnect, effStopCooldown, effCloseTransport, effRequeueSent, effScheduleReconnect)
		case smFatalError:
			return valid(Disconnected, effStopCooldown, effCloseTransport, effFailPending, effNotifyFatal)
		case smDisconnect:
			return valid(Disconnected, effStopCooldown, effCloseTransport, effFailPending)
		case smNetworkUnreachable:
			return valid(WaitAndReconnect, effStopCooldown, effCloseTransport, effRequeueSent)
		case smTokenUpdated:
			return ignored(effSendUpdateToken)
		case smConnect, smNetworkAvailable:
			return ignored()
		case smTransportConnected, smInitOK, smInitFailed, smInitTimeout, smBackoffElapsed:
			return invalid
		}

	case WaitAndReconnect:
		switch e {
		case smBackoffElapsed:
			return valid(Connecting, effDial)
		case smNetworkAvailable, smTokenUpdated:
			return valid(Connecting, effCancelReconnect, effDialImmediate)
		case smDisconnect:
			return valid(Disconnected, effCancelReconnect, effFailPending)
		case smNetworkUnreachable:
			return ignored(effCancelReconnect)
		case smFatalError:
			return valid(Disconnected, effCancelReconnect, effFailPending, effNotifyFatal)
		case smConnect, smTransportError:
			return ignored()
		case smTransportConnected, smInitOK, smInitFailed, smInitTimeout, smThrottled, smCooldownElapsed:
			return invalid
		}
	}

	return invalid
}
