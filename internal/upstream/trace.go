package upstream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// traceIDPaths are tried in order; the first non-empty string wins.
var traceIDPaths = []string{
	"databricks_output.trace.info.trace_id",
	"databricks_output.trace.info.request_id",
	"trace.info.trace_id",
	"trace.info.request_id",
	"trace_id",
}

// sourcePaths hold sources the agent reported directly.
var sourcePaths = []string{
	"sources",
	"databricks_output.sources",
}

// spanPaths locate the span list of a returned MLflow trace.
var spanPaths = []string{
	"databricks_output.trace.data.spans",
	"trace.data.spans",
}

// TraceExtractor pulls provenance out of serving responses and stream events.
type TraceExtractor struct{}

// ExtractSourcesFromTrace returns the sources and trace id carried by payload.
// Sources come from an explicit sources field or, failing that, from the
// outputs of RETRIEVER spans in the returned trace. Either result may be
// empty; malformed payloads yield nothing.
func (TraceExtractor) ExtractSourcesFromTrace(_ context.Context, payload []byte) (json.RawMessage, string) {
	if !gjson.ValidBytes(payload) {
		return nil, ""
	}
	doc := gjson.ParseBytes(payload)

	var traceID string
	for _, path := range traceIDPaths {
		if v := doc.Get(path); v.Type == gjson.String && v.Str != "" {
			traceID = v.Str
			break
		}
	}

	for _, path := range sourcePaths {
		if v := doc.Get(path); nonEmpty(v) {
			return json.RawMessage(v.Raw), traceID
		}
	}
	return retrieverSources(doc), traceID
}

func retrieverSources(doc gjson.Result) json.RawMessage {
	var out []json.RawMessage
	for _, path := range spanPaths {
		doc.Get(path).ForEach(func(_, span gjson.Result) bool {
			if spanType(span) != "RETRIEVER" {
				return true
			}
			outputs := span.Get(`attributes.mlflow\.spanOutputs`)
			if outputs.Type == gjson.String {
				// MLflow stores span outputs as a JSON-encoded string.
				outputs = gjson.Parse(outputs.Str)
			}
			switch {
			case outputs.IsArray():
				for _, item := range outputs.Array() {
					out = append(out, json.RawMessage(item.Raw))
				}
			case outputs.IsObject():
				out = append(out, json.RawMessage(outputs.Raw))
			}
			return true
		})
		if len(out) > 0 {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}

// spanType reads the span type, which MLflow stores JSON-encoded ("\"RETRIEVER\"").
func spanType(span gjson.Result) string {
	if v := span.Get(`attributes.mlflow\.spanType`); v.Exists() {
		return strings.Trim(v.String(), `"`)
	}
	return span.Get("span_type").String()
}

func nonEmpty(v gjson.Result) bool {
	switch {
	case !v.Exists(), v.Type == gjson.Null:
		return false
	case v.IsArray():
		return len(v.Array()) > 0
	case v.IsObject():
		return len(v.Map()) > 0
	case v.Type == gjson.String:
		return v.Str != ""
	default:
		return true
	}
}
