package source

import "github.com/holon-app/holon/value"

// CodecUpdates adapts a schema-driven value.Updates list into the
// Updates[T] contract a Source implementation applies, round-tripping
// through a value.Codec.
type CodecUpdates[T any] struct {
	Fields value.Updates
	Codec  value.Codec[T]
}

func (u CodecUpdates[T]) Apply(item T) (T, error) {
	e, err := u.Codec.ToEntity(item)
	if err != nil {
		var zero T
		return zero, err
	}
	e, err = u.Fields.Apply(e, u.Codec.Schema())
	if err != nil {
		var zero T
		return zero, err
	}
	return u.Codec.FromEntity(e)
}
