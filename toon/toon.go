// Package toon rewrites JSON documents into Token-Oriented Object Notation
// when they are dominated by uniform arrays of flat objects, the shape that
// tabular TOON compresses well.
//
//	[{"id":1,"name":"Ada"},{"id":2,"name":"Linus"}]
//
// becomes
//
//	[2]{id,name}:
//	  1,Ada
//	  2,Linus
//
// Objects whose values are primitives or such arrays are encoded field by
// field. Any other shape is left alone.
package toon

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
)

var errShape = errors.New("toon: unsupported shape")

const indent = "  "

type field struct {
	key   string
	value any
}

// object preserves source key order.
type object []field

func (o object) keys() []string {
	ks := make([]string, len(o))
	for i, f := range o {
		ks[i] = f.key
	}
	return ks
}

func (o object) get(k string) any {
	for _, f := range o {
		if f.key == k {
			return f.value
		}
	}
	return nil
}

// Convert returns the TOON form of the JSON in src. ok is false when src is
// not JSON or its shape has no tabular encoding.
func Convert(src []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	v, err := decode(dec)
	if err != nil {
		return "", false
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", false
	}
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return "", false
	}
	return b.String(), true
}

func decode(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var o object
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				v, err := decode(dec)
				if err != nil {
					return nil, err
				}
				o = append(o, field{key: kt.(string), value: v})
			}
			_, err := dec.Token()
			return o, err
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decode(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			_, err := dec.Token()
			return arr, err
		}
		return nil, errShape
	default:
		return t, nil
	}
}

func encode(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case []any:
		return encodeTable(b, "", t)
	case object:
		if len(t) == 0 {
			return errShape
		}
		tabular := false
		for i, f := range t {
			if i > 0 {
				b.WriteByte('\n')
			}
			switch fv := f.value.(type) {
			case []any:
				if err := encodeTable(b, quoteKey(f.key), fv); err != nil {
					return err
				}
				tabular = true
			case object:
				return errShape
			default:
				b.WriteString(quoteKey(f.key))
				b.WriteString(": ")
				b.WriteString(primitive(fv))
			}
		}
		if !tabular {
			return errShape
		}
		return nil
	default:
		return errShape
	}
}

// encodeTable writes a uniform array of flat objects.
func encodeTable(b *strings.Builder, key string, rows []any) error {
	if len(rows) == 0 {
		return errShape
	}
	first, ok := rows[0].(object)
	if !ok || len(first) == 0 {
		return errShape
	}
	cols := first.keys()
	for _, r := range rows {
		o, ok := r.(object)
		if !ok || len(o) != len(cols) {
			return errShape
		}
		oks := o.keys()
		slices.Sort(oks)
		want := slices.Clone(cols)
		slices.Sort(want)
		if !slices.Equal(oks, want) {
			return errShape
		}
		for _, f := range o {
			switch f.value.(type) {
			case object, []any:
				return errShape
			}
		}
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteKey(c)
	}
	b.WriteString(key)
	b.WriteString("[")
	b.WriteString(strconv.Itoa(len(rows)))
	b.WriteString("]{")
	b.WriteString(strings.Join(quoted, ","))
	b.WriteString("}:")
	for _, r := range rows {
		o := r.(object)
		b.WriteByte('\n')
		b.WriteString(indent)
		for i, c := range cols {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(primitive(o.get(c)))
		}
	}
	return nil
}

func primitive(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case string:
		return quoteString(t)
	default:
		return "null"
	}
}

func quoteKey(k string) string {
	if k != "" && !strings.ContainsAny(k, ",:\"[]{}\\ \t\n") {
		return k
	}
	return strconv.Quote(k)
}

func quoteString(s string) string {
	if needsQuote(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuote(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return true
	}
	switch s {
	case "true", "false", "null":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return strings.ContainsAny(s, ",:\"\\[]{}\n\r\t") || strings.HasPrefix(s, "-")
}
