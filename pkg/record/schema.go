package record

// PersonSchema returns the flattened fields served by the persons endpoint.
// It is used to validate configuration before any request is made. Each call
// returns a fresh slice.
func PersonSchema() []string {
	return []string{
		"id",
		"firstname",
		"lastname",
		"email",
		"phone",
		"birthday",
		"gender",
		"website",
		"image",
		"address.id",
		"address.street",
		"address.streetName",
		"address.buildingNumber",
		"address.city",
		"address.zipcode",
		"address.country",
		"address.country_code",
		"address.latitude",
		"address.longitude",
	}
}

// Schema is a set of known field paths.
type Schema map[string]struct{}

// NewSchema builds a schema from one or more field lists.
func NewSchema(lists ...[]string) Schema {
	s := make(Schema)
	for _, list := range lists {
		for _, f := range list {
			s[f] = struct{}{}
		}
	}
	return s
}

// Has reports whether the field path is known.
func (s Schema) Has(field string) bool {
	_, ok := s[field]
	return ok
}

// Add registers field paths.
func (s Schema) Add(fields ...string) {
	for _, f := range fields {
		s[f] = struct{}{}
	}
}

// Remove drops field paths.
func (s Schema) Remove(fields ...string) {
	for _, f := range fields {
		delete(s, f)
	}
}

// Fields returns the schema as a sorted slice.
func (s Schema) Fields() []string {
	m := make(map[string]any, len(s))
	for k := range s {
		m[k] = nil
	}
	return Keys(m)
}
