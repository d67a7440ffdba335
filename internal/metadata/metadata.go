// Package metadata implements Haggle's wire-independent intermediate
// form: an ordered tree of (name, content, parameters, children) nodes
// that the data object, node description and control-message encoders
// all build before handing off to a wire codec (XML by default).
package metadata

// Metadata is one node of the tree. Parameters is a unique-key mapping;
// Children preserves insertion order and permits same-named siblings.
type Metadata struct {
	Name       string
	Content    string
	Parameters map[string]string
	Children   []*Metadata

	// iterPos is used by GetMetadata/GetNextMetadata to provide the
	// original C++ API's stateful "first match, then next match" cursor,
	// which several callers (e.g. the PRoPHET RIB parser) rely on.
	iterPos int
	iterKey string
}

// New creates a metadata node with the given name and content.
func New(name, content string) *Metadata {
	return &Metadata{Name: name, Content: content, Parameters: map[string]string{}}
}

// SetParameter sets a parameter, overwriting any existing value for key.
func (m *Metadata) SetParameter(key, value string) {
	if m.Parameters == nil {
		m.Parameters = map[string]string{}
	}
	m.Parameters[key] = value
}

// GetParameter returns a parameter value, or "" if absent.
func (m *Metadata) GetParameter(key string) string {
	return m.Parameters[key]
}

// AddMetadata appends a new child node and returns it.
func (m *Metadata) AddMetadata(name, content string) *Metadata {
	child := New(name, content)
	m.Children = append(m.Children, child)
	return child
}

// AddChild appends an already-constructed child node.
func (m *Metadata) AddChild(child *Metadata) {
	m.Children = append(m.Children, child)
}

// GetMetadata returns the first child with the given name and primes the
// iterator so a subsequent GetNextMetadata call continues from there.
func (m *Metadata) GetMetadata(name string) *Metadata {
	for i, c := range m.Children {
		if c.Name == name {
			m.iterPos = i + 1
			m.iterKey = name
			return c
		}
	}
	m.iterKey = ""
	return nil
}

// GetNextMetadata continues the iteration started by GetMetadata,
// returning the next same-named sibling, or nil when exhausted.
func (m *Metadata) GetNextMetadata() *Metadata {
	if m.iterKey == "" {
		return nil
	}
	for i := m.iterPos; i < len(m.Children); i++ {
		if m.Children[i].Name == m.iterKey {
			m.iterPos = i + 1
			return m.Children[i]
		}
	}
	return nil
}

// ChildrenNamed returns every child with the given name, in order.
func (m *Metadata) ChildrenNamed(name string) []*Metadata {
	var out []*Metadata
	for _, c := range m.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Equal performs a deep structural comparison used by round-trip tests.
func (m *Metadata) Equal(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Name != other.Name || m.Content != other.Content {
		return false
	}
	if len(m.Parameters) != len(other.Parameters) {
		return false
	}
	for k, v := range m.Parameters {
		if other.Parameters[k] != v {
			return false
		}
	}
	if len(m.Children) != len(other.Children) {
		return false
	}
	for i := range m.Children {
		if !m.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}
