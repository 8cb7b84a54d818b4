package expr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/spf13/cast"

	"github.com/l0p7/methodcache/internal/hashtable"
)

// emptyValue is true for null and for zero-length strings, bytes, lists and
// maps.
func emptyValue(v ref.Val) ref.Val {
	switch x := v.(type) {
	case types.Null:
		return types.True
	case traits.Sizer:
		return types.Bool(x.Size() == types.IntZero)
	}
	return types.False
}

func hashBinding(hasher hashtable.Hasher) func(ref.Val) ref.Val {
	return func(v ref.Val) ref.Val {
		out, err := Digest(hasher, toNative(v))
		if err != nil {
			return types.NewErr("hash: %v", err)
		}
		return types.String(out)
	}
}

// Digest renders v the way the hash built-in does:
//
//   - null is "null";
//   - scalars are their plain string form, so hash("1111") is "1111";
//   - maps and structs are the decimal int32 hash of their canonical JSON
//     (sorted keys, no HTML escaping);
//   - lists join the digest of each element with "_", where nested maps and
//     lists are hashed as a whole rather than joined.
func Digest(hasher hashtable.Hasher, v any) (string, error) {
	switch x := normalize(v).(type) {
	case nil:
		return "null", nil
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			part, err := elementDigest(hasher, el)
			if err != nil {
				return "", err
			}
			parts[i] = part
		}
		return strings.Join(parts, "_"), nil
	case map[string]any, map[any]any:
		return compositeDigest(hasher, x)
	default:
		return scalarString(x)
	}
}

func elementDigest(hasher hashtable.Hasher, v any) (string, error) {
	switch v.(type) {
	case []any, map[string]any, map[any]any:
		return compositeDigest(hasher, v)
	}
	return Digest(hasher, v)
}

func compositeDigest(hasher hashtable.Hasher, v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(hasher.Hash(canonical)), 10), nil
}

func canonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stringKeys(v)); err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// stringKeys rewrites map[any]any nodes so encoding/json can sort and encode
// them.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = stringKeys(el)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[fmt.Sprint(k)] = stringKeys(el)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = stringKeys(el)
		}
		return out
	}
	return v
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case []byte:
		return string(x), nil
	}
	return cast.ToStringE(v)
}

// toNative unwraps a CEL value into plain Go values: lists become []any and
// maps become map[string]any or map[any]any.
func toNative(v ref.Val) any {
	switch x := v.(type) {
	case nil, types.Null:
		return nil
	case traits.Lister:
		var out []any
		for it := x.Iterator(); it.HasNext() == types.True; {
			out = append(out, toNative(it.Next()))
		}
		if out == nil {
			out = []any{}
		}
		return out
	case traits.Mapper:
		stringKeyed := true
		entries := make(map[any]any)
		for it := x.Iterator(); it.HasNext() == types.True; {
			key := it.Next()
			value, _ := x.Find(key)
			nk := toNative(key)
			if _, ok := nk.(string); !ok {
				stringKeyed = false
			}
			entries[nk] = toNative(value)
		}
		if !stringKeyed {
			return entries
		}
		out := make(map[string]any, len(entries))
		for k, el := range entries {
			out[k.(string)] = el
		}
		return out
	}
	return v.Value()
}
