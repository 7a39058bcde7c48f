package tags

import (
	"github.com/mailru/easyjson/jwriter"
)

// Tag is a list of string elements, the first being the key.
type Tag []string

// Key returns the first element, or an empty string.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the second element, or an empty string.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Marker returns the last element of a tag with three or more elements, which
// is where NIP-10 and NIP-65 place their markers.
func (t Tag) Marker() string {
	if len(t) < 3 {
		return ""
	}
	return t[len(t)-1]
}

// T is a list of Tag with ordering and no uniqueness constraint.
type T []Tag

// GetAll gets all the tags with the given key.
func (t T) GetAll(key string) T {
	result := make(T, 0, len(t))
	for _, v := range t {
		if v.Key() == key {
			result = append(result, v)
		}
	}
	return result
}

// Values returns the values of every tag with the given key, in order.
func (t T) Values(key string) (v []string) {
	for _, tg := range t {
		if len(tg) >= 2 && tg[0] == key {
			v = append(v, tg[1])
		}
	}
	return
}

// ContainsAny returns true if any tag with the given key has one of values as
// its value.
func (t T) ContainsAny(key string, values []string) bool {
	for _, v := range t {
		if len(v) < 2 || v[0] != key {
			continue
		}
		for _, candidate := range values {
			if v[1] == candidate {
				return true
			}
		}
	}
	return false
}

// MarshalEasyJSON writes the tags as a JSON array of string arrays.
func (t T) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('[')
	for i, tg := range t {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawByte('[')
		for j, s := range tg {
			if j > 0 {
				w.RawByte(',')
			}
			w.String(s)
		}
		w.RawByte(']')
	}
	w.RawByte(']')
}
