package index

import "github.com/openclin/recordstore/internal/db/schema"

// Builtin returns a registry populated with the extraction rules for the
// core clinical record types. Callers extend it with Register before
// handing it to the store and query engine.
func Builtin() *Registry {
	r := NewRegistry()

	r.Register(&RuleSet{Type: "Patient", Table: []Rule{
		{Name: "identifier", Kind: schema.KindToken, Path: "identifier"},
		{Name: "name", Kind: schema.KindString, Path: "name"},
		{Name: "family", Kind: schema.KindString, Path: "name.family"},
		{Name: "given", Kind: schema.KindString, Path: "name.given"},
		{Name: "gender", Kind: schema.KindToken, Path: "gender"},
		{Name: "birthdate", Kind: schema.KindDate, Path: "birthDate"},
		{Name: "address-city", Kind: schema.KindString, Path: "address.city"},
		{Name: "general-practitioner", Kind: schema.KindReference, Path: "generalPractitioner"},
	}})

	r.Register(&RuleSet{Type: "Observation", Table: []Rule{
		{Name: "identifier", Kind: schema.KindToken, Path: "identifier"},
		{Name: "code", Kind: schema.KindToken, Path: "code"},
		{Name: "status", Kind: schema.KindToken, Path: "status"},
		{Name: "category", Kind: schema.KindToken, Path: "category"},
		{Name: "date", Kind: schema.KindDate, Path: "effectiveDateTime"},
		{Name: "subject", Kind: schema.KindReference, Path: "subject"},
		{Name: "patient", Kind: schema.KindReference, Path: "subject"},
		{Name: "performer", Kind: schema.KindReference, Path: "performer"},
		{Name: "value-quantity", Kind: schema.KindQuantity, Path: "valueQuantity"},
		{Name: "code-value-quantity", Kind: schema.KindComposite, Path: "", Components: []Component{
			{Path: "code", Kind: schema.KindToken},
			{Path: "valueQuantity", Kind: schema.KindQuantity},
		}},
		{Name: "component-code-value-quantity", Kind: schema.KindComposite, Path: "component", Components: []Component{
			{Path: "code", Kind: schema.KindToken},
			{Path: "valueQuantity", Kind: schema.KindQuantity},
		}},
	}})

	r.Register(&RuleSet{Type: "Condition", Table: []Rule{
		{Name: "identifier", Kind: schema.KindToken, Path: "identifier"},
		{Name: "code", Kind: schema.KindToken, Path: "code"},
		{Name: "clinical-status", Kind: schema.KindToken, Path: "clinicalStatus"},
		{Name: "verification-status", Kind: schema.KindToken, Path: "verificationStatus"},
		{Name: "subject", Kind: schema.KindReference, Path: "subject"},
		{Name: "patient", Kind: schema.KindReference, Path: "subject"},
		{Name: "onset-date", Kind: schema.KindDate, Path: "onsetDateTime"},
	}})

	r.Register(&RuleSet{Type: "Encounter", Table: []Rule{
		{Name: "identifier", Kind: schema.KindToken, Path: "identifier"},
		{Name: "status", Kind: schema.KindToken, Path: "status"},
		{Name: "class", Kind: schema.KindToken, Path: "class"},
		{Name: "subject", Kind: schema.KindReference, Path: "subject"},
		{Name: "patient", Kind: schema.KindReference, Path: "subject"},
		{Name: "date", Kind: schema.KindDate, Path: "period.start"},
		{Name: "length", Kind: schema.KindNumber, Path: "length.value"},
	}})

	return r
}
