package models

import (
	"fmt"
	"slices"
)

type transitionTable[S ~string] map[S][]S

func (t transitionTable[S]) allows(from, to S) bool {
	return slices.Contains(t[from], to)
}

// sources lists every state from which to is reachable, in a stable order.
func (t transitionTable[S]) sources(to S, order []S) []S {
	out := make([]S, 0, len(order))

	for _, from := range order {
		if t.allows(from, to) {
			out = append(out, from)
		}
	}

	return out
}

var runTransitions = transitionTable[RunState]{
	RunStatePending:    {RunStatePending, RunStateProcessing, RunStateDelayed, RunStateError, RunStateProcessed},
	RunStateProcessing: {RunStatePending, RunStateDelayed, RunStateError, RunStateProcessed},
	RunStateDelayed:    {RunStatePending, RunStateProcessing, RunStateDelayed, RunStateError, RunStateProcessed},
	RunStateError:      {RunStatePending, RunStateProcessing, RunStateError, RunStateProcessed},
	RunStateProcessed:  {RunStatePending},
}

var runStateOrder = []RunState{
	RunStatePending, RunStateProcessing, RunStateDelayed, RunStateError, RunStateProcessed,
}

var streamTransitions = transitionTable[StreamState]{
	StreamStatePending:    {StreamStatePending, StreamStateProcessing},
	StreamStateProcessing: {StreamStatePending, StreamStateProcessed, StreamStateError},
	StreamStateError:      {StreamStatePending, StreamStateProcessing},
	StreamStateProcessed:  {StreamStatePending},
}

var streamStateOrder = []StreamState{
	StreamStatePending, StreamStateProcessing, StreamStateProcessed, StreamStateError,
}

var webhookTransitions = transitionTable[WebhookState]{
	WebhookStatePending:    {WebhookStateProcessing},
	WebhookStateProcessing: {WebhookStatePending, WebhookStateProcessing, WebhookStateProcessed, WebhookStateError},
	WebhookStateError:      {WebhookStatePending, WebhookStateProcessing},
	WebhookStateProcessed:  {WebhookStateProcessing},
}

var webhookStateOrder = []WebhookState{
	WebhookStatePending, WebhookStateProcessing, WebhookStateProcessed, WebhookStateError,
}

// TransitionError reports a state change the lifecycle does not allow.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// CanTransitionRun reports whether a run may move from one state to another.
func CanTransitionRun(from, to RunState) bool { return runTransitions.allows(from, to) }

// RunSources lists the states a run may enter to from.
func RunSources(to RunState) []RunState { return runTransitions.sources(to, runStateOrder) }

// CheckRunTransition returns a *TransitionError when the change is not allowed.
func CheckRunTransition(id string, from, to RunState) error {
	if CanTransitionRun(from, to) {
		return nil
	}

	return &TransitionError{Entity: "run", ID: id, From: string(from), To: string(to)}
}

func CanTransitionStream(from, to StreamState) bool { return streamTransitions.allows(from, to) }

func StreamSources(to StreamState) []StreamState {
	return streamTransitions.sources(to, streamStateOrder)
}

func CheckStreamTransition(id string, from, to StreamState) error {
	if CanTransitionStream(from, to) {
		return nil
	}

	return &TransitionError{Entity: "stream", ID: id, From: string(from), To: string(to)}
}

func CanTransitionWebhook(from, to WebhookState) bool { return webhookTransitions.allows(from, to) }

func WebhookSources(to WebhookState) []WebhookState {
	return webhookTransitions.sources(to, webhookStateOrder)
}

func CheckWebhookTransition(id string, from, to WebhookState) error {
	if CanTransitionWebhook(from, to) {
		return nil
	}

	return &TransitionError{Entity: "webhook", ID: id, From: string(from), To: string(to)}
}

// States converts typed states to plain strings for SQL array parameters.
func States[S ~string](states []S) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}

	return out
}
