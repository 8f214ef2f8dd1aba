package ttn

// Kind classifies a device identity. The mapping is declared explicitly in
// the configuration; there is no inference from identifier substrings or
// payload shape.
type Kind string

// The device kinds the dashboard knows how to render.
const (
	KindBuoy    Kind = "buoy"
	KindWeather Kind = "weather"
)

// Registry maps device identities to their kind. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	kinds map[string]Kind
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Add registers a device identity with its kind. An empty kind registers a
// generic device. Adding the same identity twice updates the kind but keeps
// the original registration order.
func (r *Registry) Add(deviceID string, kind Kind) *Registry {
	if _, ok := r.kinds[deviceID]; !ok {
		r.order = append(r.order, deviceID)
	}
	r.kinds[deviceID] = kind
	return r
}

// Kind returns the kind for a device identity, or the empty kind when the
// device is not registered.
func (r *Registry) Kind(deviceID string) Kind {
	return r.kinds[deviceID]
}

// DeviceIDs returns all registered device identities in registration order.
func (r *Registry) DeviceIDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Primary returns the first registered device identity, if any.
func (r *Registry) Primary() (string, bool) {
	if len(r.order) == 0 {
		return "", false
	}
	return r.order[0], true
}
