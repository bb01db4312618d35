package nestor

import json "github.com/goccy/go-json"

// Serializer renders a document to its on-disk byte string and back.
// Storage never inspects a document's shape itself beyond what a
// Serializer and a Matcher need.
type Serializer interface {
	Serialize(doc any) (string, error)
	Deserialize(data string) (any, error)
}

// JSONSerializer is the default Serializer. Documents deserialize to
// map[string]any (or slices/scalars for non-object JSON), which is also
// what Matcher's structural comparisons operate over.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(doc any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONSerializer) Deserialize(data string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}
