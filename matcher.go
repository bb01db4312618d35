// Matcher decides whether a document belongs to a secondary index.
//
// A Matcher is a tagged variant: either a predicate function or a
// structural shape. Shape matchers persist directly into an index's
// metadata header and round-trip across reopen with no extra work from
// the caller; predicate matchers persist only their source text (for
// audit/display) and must be re-supplied as a live Go function whenever
// the index is reopened, since a function value cannot be serialized.
package nestor

import "reflect"

// Matcher is implemented by ShapeMatcher and PredicateMatcher.
type Matcher interface {
	// match reports whether doc satisfies the matcher.
	match(doc any) bool
	// kind identifies the matcher for metadata persistence.
	kind() string
}

// ShapeMatcher requires every property of Shape to be structurally equal
// to the same path in a candidate document; nested maps recurse, so a
// nested shape may itself be partial. Keys absent from Shape are not
// checked, which is how partial-shape matching works. Every key present
// in Shape must also be present in the document: a nil value requires
// the document's value to be nil too (JSON null), and the sentinel Any
// accepts any value for a present key.
type ShapeMatcher struct {
	Shape map[string]any
}

// Any is a sentinel Shape value meaning "require the key to be present,
// ignore its value".
var Any = struct{ anyMarker byte }{}

func (m ShapeMatcher) kind() string { return "shape" }

func (m ShapeMatcher) match(doc any) bool {
	return shapeMatches(m.Shape, doc)
}

func shapeMatches(shape, doc any) bool {
	shapeMap, ok := shape.(map[string]any)
	if !ok {
		return reflect.DeepEqual(shape, doc)
	}

	docMap, ok := doc.(map[string]any)
	if !ok {
		return false
	}

	for k, want := range shapeMap {
		if want == Any {
			if _, present := docMap[k]; !present {
				return false
			}
			continue
		}
		got, present := docMap[k]
		if !present {
			return false
		}
		if wantNested, ok := want.(map[string]any); ok {
			if !shapeMatches(wantNested, got) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(want, got) {
			return false
		}
	}
	return true
}

// PredicateMatcher wraps an arbitrary Go predicate. Only Source (a
// human-readable description) is persisted to the index header, so Fn
// must be supplied again to Storage.EnsureIndex after a restart;
// Storage.OpenIndexNamed, which takes no matcher, refuses a predicate
// index with ErrMatcherRequired.
type PredicateMatcher struct {
	Fn     func(doc any) bool
	Source string
}

func (m PredicateMatcher) kind() string { return "predicate" }

func (m PredicateMatcher) match(doc any) bool {
	if m.Fn == nil {
		return false
	}
	return m.Fn(doc)
}

// Matches reports whether doc is accepted by matcher. A nil matcher
// always matches, which is how a primary index accepts every document.
func Matches(doc any, matcher Matcher) bool {
	if matcher == nil {
		return true
	}
	return matcher.match(doc)
}
