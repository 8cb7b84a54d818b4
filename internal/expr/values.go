package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/cel-go/common/types/ref"
)

// maxDepth bounds how far normalize follows nested values so cyclic
// pointer graphs terminate.
const maxDepth = 32

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	numberType   = reflect.TypeOf(json.Number(""))
)

// normalize converts an arbitrary Go value into the shapes CEL adapts
// natively: scalars, []any, map[string]any (or map[any]any for non-string
// keys), []byte, time.Time and time.Duration. Structs become maps keyed by
// their json tag or by the field name with a lower-cased first letter, so
// `retVal.name` resolves against a field declared as `Name`.
func normalize(v any) any {
	return normalizeDepth(v, 0)
}

func normalizeDepth(v any, depth int) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, int64, uint64, float64, []byte, time.Time, time.Duration, ref.Val:
		return x
	case json.Number:
		return normalizeNumber(x)
	}
	return normalizeValue(reflect.ValueOf(v), depth)
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func normalizeValue(rv reflect.Value, depth int) any {
	if !rv.IsValid() || depth > maxDepth {
		return nil
	}
	switch rv.Type() {
	case timeType, durationType:
		if rv.CanInterface() {
			return rv.Interface()
		}
	case numberType:
		return normalizeNumber(json.Number(rv.String()))
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalizeValue(rv.Elem(), depth+1)
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes()
		}
		return normalizeList(rv, depth)
	case reflect.Array:
		return normalizeList(rv, depth)
	case reflect.Map:
		return normalizeMap(rv, depth)
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		normalizeStruct(rv, out, depth)
		return out
	}
	if rv.CanInterface() {
		return fmt.Sprint(rv.Interface())
	}
	return nil
}

func normalizeList(rv reflect.Value, depth int) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = normalizeValue(rv.Index(i), depth+1)
	}
	return out
}

func normalizeMap(rv reflect.Value, depth int) any {
	if rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalizeValue(iter.Value(), depth+1)
		}
		return out
	}
	out := make(map[any]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := normalizeValue(iter.Key(), depth+1)
		switch key.(type) {
		case []any, []byte, map[string]any, map[any]any:
			key = fmt.Sprint(key)
		}
		out[key] = normalizeValue(iter.Value(), depth+1)
	}
	return out
}

func normalizeStruct(rv reflect.Value, out map[string]any, depth int) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, skip := propertyName(field)
		if skip {
			continue
		}
		value := rv.Field(i)
		if field.Anonymous && name == "" {
			for value.Kind() == reflect.Pointer {
				if value.IsNil() {
					break
				}
				value = value.Elem()
			}
			if value.Kind() == reflect.Struct {
				normalizeStruct(value, out, depth+1)
				continue
			}
			if !field.IsExported() {
				continue
			}
			name = decapitalize(field.Name)
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = decapitalize(field.Name)
		}
		if _, exists := out[name]; exists {
			continue
		}
		out[name] = normalizeValue(value, depth+1)
	}
}

// propertyName returns the json tag name, if any, and whether the field is
// excluded with `json:"-"`.
func propertyName(field reflect.StructField) (string, bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" && tag == "-" {
		return "", true
	}
	return name, false
}

// decapitalize follows the bean property convention: "Name" -> "name",
// while acronyms such as "URL" are kept as-is.
func decapitalize(name string) string {
	first, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return name
	}
	if second, _ := utf8.DecodeRuneInString(name[size:]); unicode.IsUpper(first) && unicode.IsUpper(second) {
		return name
	}
	return string(unicode.ToLower(first)) + name[size:]
}
