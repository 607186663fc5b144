// Package lifecycle holds the status rules of signals and targets
package lifecycle

import (
	"fmt"

	"copytrade/internal/core"
	apperrors "copytrade/pkg/errors"
)

// Event is what caused a status change
type Event string

const (
	EventFilled         Event = "filled"
	EventRemoteCanceled Event = "remote_canceled"
	EventNotFound       Event = "not_found"
	EventExpired        Event = "expired"
	EventOperatorCancel Event = "operator_cancel"
	EventOperatorClose  Event = "operator_close"
)

// Action is what the store must do with the record after an event
type Action int

const (
	// ActionNone leaves the record untouched
	ActionNone Action = iota
	// ActionUpdate persists the returned status
	ActionUpdate
	// ActionDelete removes the record
	ActionDelete
)

// IsTerminal reports whether no further transition is allowed from s
func IsTerminal(s core.Status) bool {
	return s == core.StatusClose || s == core.StatusCanceled
}

// Signal returns the next status of a signal.
//
//	OPEN -filled-> CLOSE
//	OPEN -remote canceled | not found | operator cancel-> CANCELED
func Signal(current core.Status, ev Event) (core.Status, error) {
	switch current {
	case core.StatusOpen:
		switch ev {
		case EventFilled:
			return core.StatusClose, nil
		case EventRemoteCanceled, EventNotFound, EventOperatorCancel:
			return core.StatusCanceled, nil
		}
	}
	return current, fmt.Errorf("%w: signal %s on %s", apperrors.ErrInvalidTransition, current, ev)
}

// Target returns the next status of a target.
//
//	OPEN -filled-> CLOSE
//	OPEN -remote canceled | expired | operator close-> CANCELED
func Target(current core.Status, ev Event) (core.Status, error) {
	if current == core.StatusOpen {
		switch ev {
		case EventFilled:
			return core.StatusClose, nil
		case EventRemoteCanceled, EventExpired, EventOperatorClose:
			return core.StatusCanceled, nil
		}
	}
	return current, fmt.Errorf("%w: target %s on %s", apperrors.ErrInvalidTransition, current, ev)
}

// SignalEvent classifies the reference account's view of an OPEN signal's entry
// order. order is nil when the exchange reports no such order.
func SignalEvent(order *core.Order) (Event, Action) {
	if order == nil {
		return "", ActionDelete
	}
	switch order.Status {
	case core.OrderStatusFilled:
		return EventFilled, ActionUpdate
	case core.OrderStatusCanceled:
		return EventRemoteCanceled, ActionUpdate
	}
	return "", ActionNone
}

// TargetEvent classifies the reference account's view of an OPEN target order
func TargetEvent(order *core.Order) (Event, Action) {
	if order == nil {
		return "", ActionNone
	}
	switch order.Status {
	case core.OrderStatusFilled:
		return EventFilled, ActionUpdate
	case core.OrderStatusCanceled:
		return EventRemoteCanceled, ActionUpdate
	case core.OrderStatusExpired:
		return EventExpired, ActionUpdate
	}
	return "", ActionNone
}
