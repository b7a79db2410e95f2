package cpigraph

import (
	"encoding/json"
	"fmt"
	"io"
)

// Export is the combined JSON interchange format: every vertex and edge of
// a graph with its user properties. Field names follow the Neo4j APOC
// combined export so the files can be fed to Neo4j tooling.
//
//	{
//	  "nodes": [{"id": "a", "properties": {"name": "alice"}}],
//	  "relationships": [{"id": "e", "type": "KNOWS", "startNode": "a", "endNode": "b"}]
//	}
type Export struct {
	Vertices []ExportVertex `json:"nodes"`
	Edges    []ExportEdge   `json:"relationships"`
}

// ExportVertex is one vertex of an Export.
type ExportVertex struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ExportEdge is one edge of an Export.
type ExportEdge struct {
	ID         string         `json:"id"`
	Label      string         `json:"type"`
	Out        string         `json:"startNode"`
	In         string         `json:"endNode"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Export collects what the transaction can list: cached and staged
// elements, sorted by id. Evicted elements are not included.
func (tx *Tx) Export() *Export {
	out := &Export{}
	for _, v := range tx.Vertices() {
		rec, err := v.record()
		if err != nil {
			continue
		}
		out.Vertices = append(out.Vertices, ExportVertex{
			ID:         string(v.id),
			Properties: cloneProps(rec.props),
		})
	}
	for _, e := range tx.Edges() {
		rec, err := e.record()
		if err != nil {
			continue
		}
		out.Edges = append(out.Edges, ExportEdge{
			ID:         string(e.id),
			Label:      rec.label,
			Out:        string(rec.out),
			In:         string(rec.in),
			Properties: cloneProps(rec.props),
		})
	}
	return out
}

// WriteExport encodes tx.Export() to w as indented JSON.
func (tx *Tx) WriteExport(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(tx.Export()); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}

// Import stages every element of a combined export in tx. Vertices come
// first so edges can refer to them. Integral numbers become int64, other
// numbers float64; reserved and null properties are skipped. On error the
// transaction holds a partial import and should be rolled back.
func (tx *Tx) Import(r io.Reader) (vertices, edges int, err error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	var data Export
	if err := decoder.Decode(&data); err != nil {
		return 0, 0, fmt.Errorf("parsing export JSON: %w", err)
	}

	for _, ev := range data.Vertices {
		v, err := tx.AddVertexWithID(VertexID(ev.ID))
		if err != nil {
			return vertices, edges, fmt.Errorf("importing vertex %q: %w", ev.ID, err)
		}
		if err := importProperties(ev.Properties, v.SetProperty); err != nil {
			return vertices, edges, fmt.Errorf("importing vertex %q: %w", ev.ID, err)
		}
		vertices++
	}

	for _, ee := range data.Edges {
		out := Vertex{id: VertexID(ee.Out), tx: tx}
		in := Vertex{id: VertexID(ee.In), tx: tx}
		e, err := tx.AddEdgeWithID(EdgeID(ee.ID), out, in, ee.Label)
		if err != nil {
			return vertices, edges, fmt.Errorf("importing edge %q: %w", ee.ID, err)
		}
		if err := importProperties(ee.Properties, e.SetProperty); err != nil {
			return vertices, edges, fmt.Errorf("importing edge %q: %w", ee.ID, err)
		}
		edges++
	}
	return vertices, edges, nil
}

func importProperties(props map[string]any, set func(string, any) error) error {
	for _, k := range sortedKeys(props) {
		v := props[k]
		if v == nil || isReserved(k) {
			continue
		}
		if err := set(k, convertNumbers(v)); err != nil {
			return err
		}
	}
	return nil
}

// convertNumbers replaces json.Number values, including nested ones.
func convertNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = convertNumbers(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = convertNumbers(item)
		}
		return out
	default:
		return v
	}
}
