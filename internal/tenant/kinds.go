package tenant

// DefaultKinds is the resource surface a tenant serves at init. It
// mirrors the kinds the built-in search parameter table covers.
var DefaultKinds = []string{
	"Patient",
	"Observation",
	"Encounter",
	"Condition",
	"MedicationRequest",
	"Practitioner",
	"Organization",
	"Device",
	"DiagnosticReport",
	"AllergyIntolerance",
	"Immunization",
	"Group",
	"Location",
	"Subscription",
	"SubscriptionTopic",
	"Basic",
	"ValueSet",
	"CodeSystem",
	"CompartmentDefinition",
	"SearchParameter",
	"StructureDefinition",
	"OperationDefinition",
}
