package registry

// Metadata is free-form key/value data attached to a client record.
type Metadata map[string]any

// Merge returns a new Metadata holding m overlaid with other. Keys present in
// other win. Neither input is modified.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of m.
func (m Metadata) Clone() Metadata {
	return Metadata(nil).Merge(m)
}
