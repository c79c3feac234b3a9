package synth

import (
	"encoding/json"
	"fmt"
	"go/format"
	"go/token"
	"reflect"
	"sort"
	"strings"
	"time"
)

// #region infer
// GenerateTypesFromState infers Go type declarations describing value.
//
// Inference is single-sample: an array's element type comes from its first
// element only, and each field's type from the one value observed. The
// result is only as accurate as the sampled data.
//
//   - empty arrays become []any, non-empty ones []Elem
//   - nil becomes any
//   - objects become structs with fields sorted by key; nested objects and
//     arrays become named types (parent name + capitalized key)
//   - primitives use their runtime type name
func GenerateTypesFromState(value any, rootName string) string {
	if !token.IsIdentifier(rootName) {
		rootName = ExportedName(rootName)
	}
	g := &typeGen{used: make(map[string]bool)}
	g.declare(rootName, reflect.ValueOf(value))

	src := strings.Join(g.decls, "\n\n") + "\n"
	if out, err := format.Source([]byte(src)); err == nil {
		return string(out)
	}
	return src
}

type typeGen struct {
	decls []string
	used  map[string]bool
}

// declare emits "type name ..." for v and returns the name actually used.
func (g *typeGen) declare(name string, v reflect.Value) string {
	name = g.unique(name)
	idx := len(g.decls)
	g.decls = append(g.decls, "") // reserve so parents precede children

	v = indirect(v)
	var body string
	switch {
	case !v.IsValid():
		body = "any"
	case isObject(v):
		body = g.structBody(name, v)
	case isArray(v):
		body = g.arrayBody(name, v)
	default:
		body = primitiveName(v)
	}
	g.decls[idx] = fmt.Sprintf("type %s %s", name, body)
	return name
}

// typeExpr returns the type of a field or element, declaring nested named
// types as needed.
func (g *typeGen) typeExpr(name string, v reflect.Value) string {
	v = indirect(v)
	switch {
	case !v.IsValid():
		return "any"
	case isObject(v), isArray(v):
		return g.declare(name, v)
	default:
		return primitiveName(v)
	}
}

func (g *typeGen) structBody(name string, v reflect.Value) string {
	if v.Kind() == reflect.Struct {
		return g.structBody(name, reflect.ValueOf(structToMap(v)))
	}

	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	fieldNames := make(map[string]bool, len(keys))
	var b strings.Builder
	b.WriteString("struct {\n")
	for _, key := range keys {
		field := ExportedName(key)
		for base, i := field, 2; fieldNames[field]; i++ {
			field = fmt.Sprintf("%s%d", base, i)
		}
		fieldNames[field] = true

		typ := g.typeExpr(name+field, v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key())))
		fmt.Fprintf(&b, "\t%s %s `json:%q`\n", field, typ, key)
	}
	b.WriteString("}")
	return b.String()
}

func (g *typeGen) arrayBody(name string, v reflect.Value) string {
	if v.Len() == 0 {
		return "[]any"
	}
	return "[]" + g.typeExpr(name+"Item", v.Index(0))
}

func (g *typeGen) unique(name string) string {
	candidate := name
	for i := 2; g.used[candidate]; i++ {
		candidate = fmt.Sprintf("%s%d", name, i)
	}
	g.used[candidate] = true
	return candidate
}

// #endregion infer

// #region reflect-helpers
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

var timeType = reflect.TypeOf(time.Time{})

func isObject(v reflect.Value) bool {
	if v.Type() == timeType {
		return false
	}
	switch v.Kind() {
	case reflect.Map:
		return v.Type().Key().Kind() == reflect.String
	case reflect.Struct:
		return true
	}
	return false
}

func isArray(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice:
		return v.Type().Elem().Kind() != reflect.Uint8 // []byte is a scalar
	case reflect.Array:
		return true
	}
	return false
}

func primitiveName(v reflect.Value) string {
	if v.Type() == timeType {
		return "time.Time"
	}
	switch v.Kind() {
	case reflect.Slice: // []byte
		return "[]byte"
	case reflect.Map: // non-string keys
		if key := basicKindName(v.Type().Key().Kind()); key != "" {
			return "map[" + key + "]any"
		}
		return "any"
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return "any"
	}
	return v.Kind().String()
}

// basicKindName returns the predeclared type name for k, or "" when k has
// none a generated declaration could spell without imports.
func basicKindName(k reflect.Kind) string {
	switch k {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128, reflect.String:
		return k.String()
	}
	return ""
}

// structToMap views a struct through its JSON encoding so field names follow
// json tags.
func structToMap(v reflect.Value) map[string]any {
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// #endregion reflect-helpers
