// Package entity implements the connection state machine.
//
// Transition is a pure function of (snapshot, operation, args, now). It never
// touches the store or the provider: side effects and timers are returned as
// requests, and the runtime decides when to commit and perform them. Because
// the function is deterministic given its input, the runtime may recompute a
// transition after a commit conflict without observable difference.
//
// Status moves are declared once as a looplab/fsm event table:
//
//	request_start:  any -> AwaitingConnectionEstablish
//	establish:      any -> Connected
//	disconnect:     any -> NotConnected
//
// Initialize, ReceivePayload and HealthCheck never move the status.
// RequestStartConnection and EstablishConnection require initialization: an
// uninitialized entity must stay NotConnected.
// EstablishConnection and ReceivePayload do not check the prior status, so an
// out-of-order confirmation from the provider is applied as received.
package entity
