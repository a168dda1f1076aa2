// Package toolfmt turns tool traffic into the text blocks that are inlined
// into assistant message content.
//
// Tool responses come from a Python optimizer and are not guaranteed to be
// JSON. Normalize decodes them best-effort, in a fixed order of strategies,
// and never fails: when nothing recognizes the input it is kept verbatim.
package toolfmt

import (
	"encoding/json"
	"strings"
)

// Kind records which decoding strategy produced a Payload.
type Kind string

const (
	// KindJSON is a strict JSON document.
	KindJSON Kind = "json"
	// KindEnveloped is a JSON document wrapped in a format-version envelope.
	KindEnveloped Kind = "enveloped"
	// KindLiteral is a Python-style literal container (dict, list, tuple, set).
	KindLiteral Kind = "literal"
	// KindKeyValue is a "k=v,k=v" list.
	KindKeyValue Kind = "keyvalue"
	// KindUnstructured means no strategy matched; Value holds the raw string.
	KindUnstructured Kind = "unstructured"
)

// FormatVersionKey and PayloadKey name the envelope fields a tool can use to
// opt out of heuristic decoding: {"format_version": 1, "payload": ...}.
const (
	FormatVersionKey = "format_version"
	PayloadKey       = "payload"
)

// Payload is the normalized form of one raw tool response.
type Payload struct {
	Kind Kind
	// Value is a JSON-compatible value: string, json.Number, bool, nil,
	// []any or *Object.
	Value any
	// Version is the envelope format version for KindEnveloped payloads.
	Version string
	Raw     string
}

// Structured reports whether the payload decoded into something other than
// the raw input.
func (p Payload) Structured() bool {
	return p.Kind != KindUnstructured
}

// Recorder observes which strategy decoded each payload.
type Recorder interface {
	RecordNormalization(kind Kind)
}

// Normalize decodes raw with the first strategy that accepts it: JSON, then a
// Python literal container, then a key=value list, then the raw string.
func Normalize(raw string) Payload {
	if v, err := decodeOrderedJSON(raw); err == nil {
		if inner, version, ok := unwrapEnvelope(v); ok {
			return Payload{Kind: KindEnveloped, Value: inner, Version: version, Raw: raw}
		}
		return Payload{Kind: KindJSON, Value: v, Raw: raw}
	}
	if v, err := parseLiteral(raw); err == nil && isContainer(v) {
		return Payload{Kind: KindLiteral, Value: v, Raw: raw}
	}
	if obj, ok := parseKeyValues(raw); ok {
		return Payload{Kind: KindKeyValue, Value: obj, Raw: raw}
	}
	return Payload{Kind: KindUnstructured, Value: raw, Raw: raw}
}

// NormalizeWith is Normalize plus a callback to rec, which may be nil.
func NormalizeWith(raw string, rec Recorder) Payload {
	p := Normalize(raw)
	if rec != nil {
		rec.RecordNormalization(p.Kind)
	}
	return p
}

func unwrapEnvelope(v any) (any, string, bool) {
	obj, ok := v.(*Object)
	if !ok || obj.Len() != 2 {
		return nil, "", false
	}
	version, ok := obj.Get(FormatVersionKey)
	if !ok {
		return nil, "", false
	}
	payload, ok := obj.Get(PayloadKey)
	if !ok {
		return nil, "", false
	}
	switch ver := version.(type) {
	case json.Number:
		return payload, ver.String(), true
	case string:
		if strings.TrimSpace(ver) == "" {
			return nil, "", false
		}
		return payload, ver, true
	default:
		return nil, "", false
	}
}
