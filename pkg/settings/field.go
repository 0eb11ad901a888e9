package settings

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unsafe"

	"github.com/segmentio/encoding/json"
)

// Kind is the type tag of a node.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindUint
	KindFloat
	KindEnum
	KindArray
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindGroup:
		return "group"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Descriptor describes the type of a node.
type Descriptor struct {
	Kind Kind `json:"kind"`
	// Bits is the width of integer and float leaves.
	Bits int `json:"bits,omitempty"`
	// Enum lists the accepted names of an enum leaf.
	Enum []string `json:"enum,omitempty"`
	// Len and Elem describe a fixed size array.
	Len  int         `json:"len,omitempty"`
	Elem *Descriptor `json:"elem,omitempty"`
}

func (d Descriptor) String() string {
	switch d.Kind {
	case KindInt, KindUint, KindFloat:
		return d.Kind.String() + strconv.Itoa(d.Bits)
	case KindEnum:
		return "enum{" + strings.Join(d.Enum, ",") + "}"
	case KindArray:
		return "[" + strconv.Itoa(d.Len) + "]" + d.Elem.String()
	default:
		return d.Kind.String()
	}
}

// Field binds a typed location inside S to its serialized form.
//
// Decode writes into s only; callers pass a candidate copy and discard it on
// error, so a failed Decode never needs to undo anything.
type Field[S any] interface {
	Descriptor() Descriptor
	Encode(s *S) ([]byte, error)
	Decode(s *S, payload []byte) error
}

// Indexed is implemented by array fields whose elements are addressable by
// an extra path segment.
type Indexed[S any] interface {
	Field[S]
	Len() int
	Element(i int) Field[S]
}

type Signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Floating interface {
	~float32 | ~float64
}

type scalar[S any, T any] struct {
	desc   Descriptor
	ptr    func(*S) *T
	decode func(payload []byte) (T, error)
	encode func(T) ([]byte, error)
	check  func(T) error
}

func (f *scalar[S, T]) Descriptor() Descriptor {
	return f.desc
}

func (f *scalar[S, T]) Encode(s *S) ([]byte, error) {
	return f.encode(*f.ptr(s))
}

func (f *scalar[S, T]) Decode(s *S, payload []byte) error {
	v, err := f.decode(payload)
	if err != nil {
		return err
	}
	if f.check != nil {
		if err := f.check(v); err != nil {
			return validationFailed(err)
		}
	}
	*f.ptr(s) = v
	return nil
}

func marshal[T any](v T) ([]byte, error) {
	return json.Marshal(v)
}

var null = []byte("null")

// unmarshal decodes payload into v, treating a JSON null as an error rather
// than a no-op.
func unmarshal(payload []byte, v any) error {
	if bytes.Equal(bytes.TrimSpace(payload), null) {
		return fmt.Errorf("null value")
	}
	return json.Unmarshal(payload, v)
}

// Bool binds a boolean leaf.
func Bool[S any](ptr func(*S) *bool) Field[S] {
	return &scalar[S, bool]{
		desc: Descriptor{Kind: KindBool},
		ptr:  ptr,
		decode: func(payload []byte) (bool, error) {
			var v bool
			if err := unmarshal(payload, &v); err != nil {
				return false, typeMismatch("expected bool: %v", err)
			}
			return v, nil
		},
		encode: marshal[bool],
	}
}

// Int binds a signed integer leaf. Values not representable in T are a type
// mismatch; check, if not nil, may reject representable values.
func Int[S any, T Signed](ptr func(*S) *T, check func(T) error) Field[S] {
	var zero T
	bits := bitSize(zero)
	return &scalar[S, T]{
		desc: Descriptor{Kind: KindInt, Bits: bits},
		ptr:  ptr,
		decode: func(payload []byte) (T, error) {
			var v int64
			if err := unmarshal(payload, &v); err != nil {
				return 0, typeMismatch("expected int%d: %v", bits, err)
			}
			if int64(T(v)) != v {
				return 0, typeMismatch("%d overflows int%d", v, bits)
			}
			return T(v), nil
		},
		encode: marshal[T],
		check:  check,
	}
}

// Uint binds an unsigned integer leaf.
func Uint[S any, T Unsigned](ptr func(*S) *T, check func(T) error) Field[S] {
	var zero T
	bits := bitSize(zero)
	return &scalar[S, T]{
		desc: Descriptor{Kind: KindUint, Bits: bits},
		ptr:  ptr,
		decode: func(payload []byte) (T, error) {
			var v uint64
			if err := unmarshal(payload, &v); err != nil {
				return 0, typeMismatch("expected uint%d: %v", bits, err)
			}
			if uint64(T(v)) != v {
				return 0, typeMismatch("%d overflows uint%d", v, bits)
			}
			return T(v), nil
		},
		encode: marshal[T],
		check:  check,
	}
}

// Float binds a floating point leaf. Integral JSON numbers are accepted.
func Float[S any, T Floating](ptr func(*S) *T, check func(T) error) Field[S] {
	var zero T
	bits := bitSize(zero)
	return &scalar[S, T]{
		desc: Descriptor{Kind: KindFloat, Bits: bits},
		ptr:  ptr,
		decode: func(payload []byte) (T, error) {
			var v float64
			if err := unmarshal(payload, &v); err != nil {
				return 0, typeMismatch("expected float%d: %v", bits, err)
			}
			if math.IsInf(float64(T(v)), 0) {
				return 0, typeMismatch("%g overflows float%d", v, bits)
			}
			return T(v), nil
		},
		encode: marshal[T],
		check:  check,
	}
}

// Enum binds an enumerated leaf serialized as one of names; the stored value
// is the index into names. A string outside names is a validation failure.
func Enum[S any, T ~uint8](ptr func(*S) *T, names []string) Field[S] {
	names = append([]string(nil), names...)
	return &scalar[S, T]{
		desc: Descriptor{Kind: KindEnum, Enum: names},
		ptr:  ptr,
		decode: func(payload []byte) (T, error) {
			var s string
			if err := unmarshal(payload, &s); err != nil {
				return 0, typeMismatch("expected one of %v: %v", names, err)
			}
			for i, name := range names {
				if name == s {
					return T(i), nil
				}
			}
			return 0, validationFailed(fmt.Errorf("%q is not one of %v", s, names))
		},
		encode: func(v T) ([]byte, error) {
			if int(v) >= len(names) {
				return nil, fmt.Errorf("enum value %d out of range", v)
			}
			return json.Marshal(names[v])
		},
	}
}

type array[S any, T any] struct {
	desc  Descriptor
	elems []Field[S]
}

// Array binds a fixed size array leaf. ptr must return a slice over an array
// stored in S, so that it refers to the candidate copy being decoded. elem
// builds the field of one element from a pointer to it.
func Array[S any, T any](n int, ptr func(*S) []T, elem func(func(*S) *T) Field[S]) Field[S] {
	if n <= 0 {
		panic("settings: array length must be positive")
	}
	a := &array[S, T]{elems: make([]Field[S], n)}
	for i := range n {
		a.elems[i] = elem(func(s *S) *T { return &ptr(s)[i] })
	}
	elemDesc := a.elems[0].Descriptor()
	a.desc = Descriptor{Kind: KindArray, Len: n, Elem: &elemDesc}
	return a
}

func (a *array[S, T]) Descriptor() Descriptor { return a.desc }

func (a *array[S, T]) Len() int { return len(a.elems) }

func (a *array[S, T]) Element(i int) Field[S] { return a.elems[i] }

func (a *array[S, T]) Encode(s *S) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range a.elems {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := e.Encode(s)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (a *array[S, T]) Decode(s *S, payload []byte) error {
	var raw []json.RawMessage
	if err := unmarshal(payload, &raw); err != nil {
		return typeMismatch("expected array of %d: %v", len(a.elems), err)
	}
	if len(raw) != len(a.elems) {
		return typeMismatch("expected array of %d, got %d elements", len(a.elems), len(raw))
	}
	for i, e := range a.elems {
		if err := e.Decode(s, raw[i]); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

func bitSize[T Signed | Unsigned | Floating](v T) int {
	return int(unsafe.Sizeof(v)) * 8
}
