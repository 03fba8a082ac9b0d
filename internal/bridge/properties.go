package bridge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Well-known content properties reported by the transfer process.
const (
	PropertyChecksum = "content-checksum"
	PropertyMD5      = "content-md5"
)

// Property is a single content property.
type Property struct {
	Key   string
	Value string
}

// Properties is an ordered set of content properties. Keys are unique.
type Properties []Property

// PropertiesFromMap converts m into Properties sorted by key.
func PropertiesFromMap(m map[string]string) Properties {
	props := make(Properties, 0, len(m))
	for k, v := range m {
		props = append(props, Property{Key: k, Value: v})
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	return props
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (string, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return "", false
}

// Map returns the properties as a map.
func (p Properties) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, prop := range p {
		m[prop.Key] = prop.Value
	}
	return m
}

// EncodeProperties is the canonical serialization of content properties: a
// JSON object with keys in ascending order. Equal property sets always encode
// to identical text.
func EncodeProperties(p Properties) (string, error) {
	sorted := make(Properties, len(p))
	copy(sorted, p)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range sorted {
		if i > 0 && sorted[i-1].Key == prop.Key {
			return "", fmt.Errorf("%w: duplicate property %q", ErrInvalidRequest, prop.Key)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(prop.Key)
		if err != nil {
			return "", fmt.Errorf("encoding property key: %w", err)
		}
		v, err := json.Marshal(prop.Value)
		if err != nil {
			return "", fmt.Errorf("encoding property %q: %w", prop.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// DecodeProperties parses text produced by EncodeProperties, preserving the
// stored key order. Empty text decodes to no properties.
func DecodeProperties(text string) (Properties, error) {
	if strings.TrimSpace(text) == "" {
		return Properties{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(text))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding properties: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("decoding properties: expected object")
	}
	props := Properties{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decoding properties: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("decoding properties: expected key")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("decoding property %q: %w", key, err)
		}
		props = append(props, Property{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decoding properties: %w", err)
	}
	return props, nil
}

// ContentIDHash is the indexed digest of a content identifier.
func ContentIDHash(contentID string) string {
	sum := sha256.Sum256([]byte(contentID))
	return hex.EncodeToString(sum[:])
}
