// Package dispatch routes parsed request contexts to the storage and
// search components, running the interaction hook pipeline around them
// and assembling the HTTP-shaped response.
package dispatch

// Interaction enumerates the request verbs the dispatcher handles.
type Interaction string

const (
	InstanceRead              Interaction = "instance-read"
	InstanceUpdate            Interaction = "instance-update"
	InstanceUpdateConditional Interaction = "instance-update-conditional"
	InstanceDelete            Interaction = "instance-delete"
	InstanceOperation         Interaction = "instance-operation"

	TypeCreate                  Interaction = "type-create"
	TypeCreateConditional       Interaction = "type-create-conditional"
	TypeDeleteConditionalSingle Interaction = "type-delete-conditional-single"
	TypeDeleteConditionalMulti  Interaction = "type-delete-conditional-multiple"
	TypeSearch                  Interaction = "type-search"
	TypeOperation               Interaction = "type-operation"

	SystemCapabilities      Interaction = "system-capabilities"
	SystemBundle            Interaction = "system-bundle"
	SystemDeleteConditional Interaction = "system-delete-conditional"
	SystemOperation         Interaction = "system-operation"
	SystemSearch            Interaction = "system-search"

	CompartmentSearch     Interaction = "compartment-search"
	CompartmentTypeSearch Interaction = "compartment-type-search"
)

// needsKind reports whether the interaction addresses a resource kind
// that must be supported by the tenant.
func (i Interaction) needsKind() bool {
	switch i {
	case SystemCapabilities, SystemBundle, SystemDeleteConditional,
		SystemOperation, SystemSearch:
		return false
	}
	return true
}

// verb maps the interaction onto the normalized SMART scope operation
// it needs (scopes fold c/u/d to write and r/s to read).
func (i Interaction) verb() string {
	switch i {
	case InstanceRead, TypeSearch, SystemSearch, CompartmentSearch,
		CompartmentTypeSearch:
		return "read"
	case TypeCreate, TypeCreateConditional, InstanceUpdate,
		InstanceUpdateConditional, InstanceDelete,
		TypeDeleteConditionalSingle, TypeDeleteConditionalMulti,
		SystemDeleteConditional:
		return "write"
	}
	return ""
}
