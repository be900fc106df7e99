// ABOUTME: Closed-sum transition table for task status changes.
// ABOUTME: Every legal edge is listed explicitly; anything absent is illegal.

package taskstore

import (
	"fmt"

	"github.com/2389/taskhub/internal/store"
)

// ErrIllegalTransition is returned by validateTransition for any edge not
// present in the transition table.
type ErrIllegalTransition struct {
	From, To store.TaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// transitions encodes the task status transition graph:
//
//	pending -> awaiting_approval
//	awaiting_approval -> approved | rejected
//	approved -> running | cancelled
//	running -> completed | failed | cancelled
var transitions = map[store.TaskStatus]map[store.TaskStatus]bool{
	store.StatusPending: {
		store.StatusAwaitingApproval: true,
	},
	store.StatusAwaitingApproval: {
		store.StatusApproved: true,
		store.StatusRejected: true,
	},
	store.StatusApproved: {
		store.StatusRunning:   true,
		store.StatusCancelled: true,
	},
	store.StatusRunning: {
		store.StatusCompleted: true,
		store.StatusFailed:    true,
		store.StatusCancelled: true,
	},
}

// validateTransition reports whether from -> to is a permitted edge.
// Terminal-status idempotence is handled by the caller:
// applying the same terminal status twice is a no-op, not routed through
// this table.
func validateTransition(from, to store.TaskStatus) error {
	if from == to && from.Terminal() {
		return nil
	}
	if edges, ok := transitions[from]; ok && edges[to] {
		return nil
	}
	return &ErrIllegalTransition{From: from, To: to}
}
