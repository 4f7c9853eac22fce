package rules

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrDataUnavailable is returned when a field lies past the end of the
// bytes visible to the matcher.
var ErrDataUnavailable = errors.New("field data unavailable")

type FieldType int

const (
	U8 FieldType = iota + 1
	U16LE
	U16BE
	U32LE
	U32BE
	U64LE
	U64BE
	Str  // fixed length string
	CStr // NUL terminated string, at most Size bytes
	Hex  // ASCII hexadecimal number
	Oct  // ASCII octal number
)

var fieldTypeNames = map[string]FieldType{
	"u8":    U8,
	"u16le": U16LE,
	"u16be": U16BE,
	"u32le": U32LE,
	"u32be": U32BE,
	"u64le": U64LE,
	"u64be": U64BE,
	"str":   Str,
	"cstr":  CStr,
	"hex":   Hex,
	"oct":   Oct,
}

func ParseFieldType(s string) (FieldType, error) {
	t, ok := fieldTypeNames[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown field type %q", s)
	}
	return t, nil
}

func (t FieldType) width() int {
	switch t {
	case U8:
		return 1
	case U16LE, U16BE:
		return 2
	case U32LE, U32BE:
		return 4
	case U64LE, U64BE:
		return 8
	}
	return 0
}

func (t FieldType) IsString() bool {
	return t == Str || t == CStr
}

// Field extracts one value from the matched header. Offset is relative to
// the start of the header (the Finding offset).
type Field struct {
	Name   string
	Offset int
	Type   FieldType
	// Size is the byte length of string and ASCII number fields. When
	// SizeFrom is set it is the upper bound of the length.
	Size int
	// SizeFrom names an earlier integer field holding the length.
	SizeFrom string
	// Names renders integer values as symbolic names in descriptions.
	Names map[int64]string
}

// Span is the maximum number of header bytes the field can touch.
func (f *Field) Span() int {
	if w := f.Type.width(); w > 0 {
		return f.Offset + w
	}
	return f.Offset + f.Size
}

// Value is the decoded content of a field or computed binding.
type Value struct {
	Int   int64
	Str   string
	IsStr bool
	names map[int64]string
}

func (v Value) Format(verb string) string {
	if v.IsStr {
		return v.Str
	}
	switch verb {
	case "x":
		return fmt.Sprintf("0x%X", uint64(v.Int))
	case "d":
		return strconv.FormatInt(v.Int, 10)
	}
	if name, ok := v.names[v.Int]; ok {
		return name
	}
	return strconv.FormatInt(v.Int, 10)
}

func (f *Field) read(data []byte, size int) (Value, error) {
	w := f.Type.width()
	if w == 0 {
		w = size
	}
	if f.Offset < 0 || f.Offset+w > len(data) {
		return Value{}, ErrDataUnavailable
	}
	b := data[f.Offset : f.Offset+w]

	switch f.Type {
	case U8:
		return f.intValue(int64(b[0])), nil
	case U16LE:
		return f.intValue(int64(binary.LittleEndian.Uint16(b))), nil
	case U16BE:
		return f.intValue(int64(binary.BigEndian.Uint16(b))), nil
	case U32LE:
		return f.intValue(int64(binary.LittleEndian.Uint32(b))), nil
	case U32BE:
		return f.intValue(int64(binary.BigEndian.Uint32(b))), nil
	case U64LE:
		return f.intValue(int64(binary.LittleEndian.Uint64(b))), nil
	case U64BE:
		return f.intValue(int64(binary.BigEndian.Uint64(b))), nil
	case Str:
		return Value{Str: printable(b), IsStr: true}, nil
	case CStr:
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return Value{Str: printable(b), IsStr: true}, nil
	case Hex, Oct:
		base := 16
		if f.Type == Oct {
			base = 8
		}
		s := strings.Trim(string(b), " \x00")
		n, err := strconv.ParseUint(s, base, 63)
		if err != nil {
			return Value{}, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return f.intValue(int64(n)), nil
	}
	return Value{}, fmt.Errorf("field %s: unsupported type", f.Name)
}

func (f *Field) intValue(n int64) Value {
	return Value{Int: n, names: f.Names}
}

func printable(b []byte) string {
	return strings.Map(func(r rune) rune {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return '.'
		}
		return r
	}, string(b))
}
