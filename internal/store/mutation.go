package store

import "time"

// EventCapacity bounds the mutation channel the stores publish to.
const EventCapacity = 256

// Interaction identifies which primitive produced a mutation record.
type Interaction string

const (
	InteractionCreate Interaction = "create"
	InteractionUpdate Interaction = "update"
	InteractionDelete Interaction = "delete"
)

// Mutation describes one accepted change. Before and After are deep copies
// taken inside the critical section, so consumers never observe later edits.
// Before is nil on create; After is nil on delete.
type Mutation struct {
	Op      Interaction
	Kind    string
	ID      string
	Version int64
	Before  map[string]interface{}
	After   map[string]interface{}
	When    time.Time
}
