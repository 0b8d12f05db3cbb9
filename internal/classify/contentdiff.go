package classify

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"strings"
)

// volatileSet is the compiled per-resource-type volatile field set for
// layer 3. Match is a glob evaluated against the path basename.
type volatileSet struct {
	match  string
	fields []string
}

// fieldsFor returns the union of volatile fields whose glob matches path.
func fieldsFor(sets []volatileSet, path string) []string {
	base := filepath.Base(path)

	var fields []string

	for _, s := range sets {
		matched, err := filepath.Match(s.match, base)
		if err != nil || !matched {
			continue
		}

		fields = append(fields, s.fields...)
	}

	return fields
}

// EqualAfterStripping reports whether two JSON documents are identical once
// the volatile fields are removed from both. A parse failure on either side
// returns (false, false): the content is not structured, and layer 3 must
// fail open rather than guess.
func EqualAfterStripping(prev, cur []byte, fields []string) (equal, structured bool) {
	var prevDoc, curDoc any

	if err := json.Unmarshal(prev, &prevDoc); err != nil {
		return false, false
	}

	if err := json.Unmarshal(cur, &curDoc); err != nil {
		return false, false
	}

	prevDoc = stripVolatile(prevDoc, fields)
	curDoc = stripVolatile(curDoc, fields)

	return reflect.DeepEqual(prevDoc, curDoc), true
}

// stripVolatile removes volatile fields from a decoded JSON document.
// A bare field name ("timestamp") is removed at every object depth; a
// dotted path ("meta.updated_at") is removed only at that exact location.
// Arrays are descended element-wise.
func stripVolatile(doc any, fields []string) any {
	var bare, dotted []string

	for _, f := range fields {
		if strings.Contains(f, ".") {
			dotted = append(dotted, f)
		} else {
			bare = append(bare, f)
		}
	}

	doc = stripBare(doc, bare)

	for _, path := range dotted {
		doc = stripPath(doc, strings.Split(path, "."))
	}

	return doc
}

// stripBare removes the named keys from every object in the document.
func stripBare(doc any, names []string) any {
	switch v := doc.(type) {
	case map[string]any:
		for _, name := range names {
			delete(v, name)
		}

		for key, child := range v {
			v[key] = stripBare(child, names)
		}

		return v
	case []any:
		for i, child := range v {
			v[i] = stripBare(child, names)
		}

		return v
	default:
		return doc
	}
}

// stripPath removes the value at the exact dotted path, if present.
func stripPath(doc any, parts []string) any {
	obj, ok := doc.(map[string]any)
	if !ok || len(parts) == 0 {
		return doc
	}

	if len(parts) == 1 {
		delete(obj, parts[0])
		return obj
	}

	if child, ok := obj[parts[0]]; ok {
		obj[parts[0]] = stripPath(child, parts[1:])
	}

	return obj
}
