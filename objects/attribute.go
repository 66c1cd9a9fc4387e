package objects

import (
	"bytes"

	"github.com/miekg/pkcs11"
)

// An attribute related to a token object.
type Attribute struct {
	Type  uint
	Value []byte
}

// Attributes is an ordered list of attributes. Types are unique within one
// list; setting an already present type replaces its value in place.
type Attributes []*Attribute

// Equals returns true if the attributes are equal.
func (attribute *Attribute) Equals(attribute2 *Attribute) bool {
	return attribute.Type == attribute2.Type &&
		bytes.Equal(attribute.Value, attribute2.Value)
}

// Equals returns true if both lists hold the same types with the same values.
func (attrs Attributes) Equals(attrs2 Attributes) bool {
	if len(attrs) != len(attrs2) {
		return false
	}
	for _, attribute := range attrs {
		attribute2, err := attrs2.GetAttributeByType(attribute.Type)
		if err != nil {
			return false
		}
		if !attribute.Equals(attribute2) {
			return false
		}
	}
	return true
}

// GetAttributeByType returns the stored attribute of the given type. The
// returned value is a read-only view; callers must not modify it in place.
func (attrs Attributes) GetAttributeByType(attrType uint) (*Attribute, error) {
	for _, attribute := range attrs {
		if attribute.Type == attrType {
			return attribute, nil
		}
	}
	return nil, NewError("Attributes.GetAttributeByType", "attribute not found", pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
}

// Set stores a deep copy of attr, replacing the value in place if the type is
// already present. The caller keeps ownership of attr and its value buffer.
func (attrs *Attributes) Set(attr *Attribute) {
	if attr == nil {
		return
	}
	value := dupBytes(attr.Value)
	for _, attribute := range *attrs {
		if attribute.Type == attr.Type {
			attribute.Value = value
			return
		}
	}
	*attrs = append(*attrs, &Attribute{Type: attr.Type, Value: value})
}

// SetIfUndefined stores a deep copy of attr only if its type is not present yet.
func (attrs *Attributes) SetIfUndefined(attr *Attribute) {
	if attr == nil {
		return
	}
	if _, err := attrs.GetAttributeByType(attr.Type); err == nil {
		return
	}
	*attrs = append(*attrs, &Attribute{Type: attr.Type, Value: dupBytes(attr.Value)})
}

// GetFull reads the value of the given type into buf, following the two-phase
// sized-read protocol: a nil buf asks only for the required length, and a buf
// that is too small reports the required length together with
// CKR_BUFFER_TOO_SMALL. On success it returns the number of bytes copied.
func (attrs Attributes) GetFull(attrType uint, buf []byte) (int, error) {
	attribute, err := attrs.GetAttributeByType(attrType)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return len(attribute.Value), nil
	}
	if len(buf) < len(attribute.Value) {
		return len(attribute.Value), NewError("Attributes.GetFull", "buffer too small", pkcs11.CKR_BUFFER_TOO_SMALL)
	}
	return copy(buf, attribute.Value), nil
}

// Match returns true if every attribute of the filter is present in attrs
// with a byte-identical value. An empty filter matches everything.
func (attrs Attributes) Match(filter Attributes) bool {
	for _, attribute := range filter {
		found, err := attrs.GetAttributeByType(attribute.Type)
		if err != nil {
			return false
		}
		if !bytes.Equal(found.Value, attribute.Value) {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of the list.
func (attrs Attributes) Copy() Attributes {
	out := make(Attributes, 0, len(attrs))
	for _, attribute := range attrs {
		out = append(out, &Attribute{Type: attribute.Type, Value: dupBytes(attribute.Value)})
	}
	return out
}

func dupBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// eraseBytes zeroes b. Secret-bearing buffers go through here before their
// storage is released.
func eraseBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
