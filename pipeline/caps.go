package pipeline

import (
	"fmt"
	"strings"
)

// Caps describes the format of the buffers a Source produces, in the
// "media/type, field=(type)value" notation media frameworks use.
type Caps struct {
	Name   string
	fields []capsField
}

type capsField struct {
	name  string
	value interface{}
}

func NewCaps(name string) *Caps {
	return &Caps{Name: name}
}

// Set 은 필드를 추가하거나 같은 이름의 값을 바꾼다. 순서는 처음 추가된 순서를 따른다.
func (c *Caps) Set(name string, value interface{}) *Caps {
	for i := range c.fields {
		if c.fields[i].name == name {
			c.fields[i].value = value
			return c
		}
	}
	c.fields = append(c.fields, capsField{name, value})
	return c
}

func (c *Caps) Get(name string) (interface{}, bool) {
	for _, f := range c.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return nil, false
}

// Int returns an integer field, or 0 and false.
func (c *Caps) Int(name string) (int, bool) {
	v, ok := c.Get(name)
	if !ok {
		return 0, false
	}
	i, ok := v.(int)
	return i, ok
}

func (c *Caps) Copy() *Caps {
	if c == nil {
		return nil
	}
	cp := &Caps{Name: c.Name, fields: make([]capsField, len(c.fields))}
	copy(cp.fields, c.fields)
	return cp
}

func (c *Caps) Equal(o *Caps) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.String() == o.String()
}

func (c *Caps) String() string {
	if c == nil {
		return "ANY"
	}
	var b strings.Builder
	b.WriteString(c.Name)
	for _, f := range c.fields {
		fmt.Fprintf(&b, ", %s=(%s)%v", f.name, capsType(f.value), f.value)
	}
	return b.String()
}

func capsType(v interface{}) string {
	switch v.(type) {
	case int, int32, uint32:
		return "int"
	case float32, float64:
		return "double"
	case bool:
		return "boolean"
	}
	return "string"
}
