package streamregistry

// Filter transforms a stream payload before it is assigned a sequence
// number and enqueued. Filters are pure and stateless (spec §4.2): the
// same input always produces the same output, and a Filter must not
// retain state between calls.
type Filter func(payload []byte, params map[string]string) ([]byte, error)

// FilterRegistry resolves a named filter. An unknown name is not an
// error here; callers apply the conservative-acceptance rule (open the
// stream with no filter) themselves, since that decision belongs to the
// stream-open path, not to lookup.
type FilterRegistry struct {
	filters map[string]Filter
}

func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{filters: make(map[string]Filter)}
}

// Register installs a named filter, overwriting any previous registration
// under the same name.
func (r *FilterRegistry) Register(name string, f Filter) {
	r.filters[name] = f
}

// Lookup returns the filter registered under name, if any.
func (r *FilterRegistry) Lookup(name string) (Filter, bool) {
	f, ok := r.filters[name]
	return f, ok
}
