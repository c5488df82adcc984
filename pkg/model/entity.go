package model

import "time"

// EntityType describes a class of event-sourced referent.
type EntityType struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"nodeId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EntityEvent is one immutable, append-only event in an Entity's history.
type EntityEvent struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entityId"`
	Type        string    `json:"type"`
	Data        any       `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
	ActorNodeID string    `json:"actorNodeId"`
}

// Entity is an event-sourced referent whose State is a pure function of
// its Events (§3, §8 round-trip law). Reduce recomputes State; callers
// that only append events must call Reduce to refresh the materialized
// view, mirroring the spec's "state is a pure function of the event list".
type Entity struct {
	ID     string        `json:"id"`
	NodeID string        `json:"nodeId"`
	TypeID string        `json:"typeId"`
	State  any           `json:"state"`
	Events []EntityEvent `json:"events"`
}

// EntityReducer folds one event onto the prior state to produce the next
// state. The default reducer (used when none is supplied) accumulates a
// map[string]any keyed by event type, storing the latest Data payload per
// type — a reasonable materialization when no domain-specific reducer is
// registered for an EntityType.
type EntityReducer func(prev any, evt EntityEvent) any

// DefaultEntityReducer is the fallback reducer described above.
func DefaultEntityReducer(prev any, evt EntityEvent) any {
	state, ok := prev.(map[string]any)
	if !ok || state == nil {
		state = make(map[string]any)
	} else {
		cloned := make(map[string]any, len(state))
		for k, v := range state {
			cloned[k] = v
		}
		state = cloned
	}
	state[evt.Type] = evt.Data
	return state
}

// Reduce replays e.Events in order through reducer (or DefaultEntityReducer
// if nil) starting from a nil state, and assigns the result to e.State.
func (e *Entity) Reduce(reducer EntityReducer) {
	if reducer == nil {
		reducer = DefaultEntityReducer
	}
	var state any
	for _, evt := range e.Events {
		state = reducer(state, evt)
	}
	e.State = state
}
