package configrepo

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"
)

// ErrMalformedDocument is returned when the values document is not a YAML
// mapping or the target resource is not a mapping.
var ErrMalformedDocument = errors.New("configrepo: malformed values document")

// Request is a requested change to the deployment configuration.
// It is either a ResizeRequest or a LimitsRequest.
type Request interface {
	// Target is the top-level values key the request edits.
	Target() string
	isRequest()
}

// ResizeRequest selects a named size for a resource.
type ResizeRequest struct {
	Resource string
	Size     string
}

// Target implements Request.
func (r ResizeRequest) Target() string { return r.Resource }
func (ResizeRequest) isRequest() {}

// ResourceSpec is a container resource block.
type ResourceSpec struct {
	CPU    string `yaml:"cpu,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

// LimitsRequest replaces a resource's requests and limits.
type LimitsRequest struct {
	Resource string
	Requests ResourceSpec
	Limits   ResourceSpec
}

// Target implements Request.
func (r LimitsRequest) Target() string { return r.Resource }
func (LimitsRequest) isRequest() {}

type resources struct {
	Requests ResourceSpec `yaml:"requests"`
	Limits   ResourceSpec `yaml:"limits"`
}

// ApplyRequest edits content according to req and reports whether anything changed.
// A ResizeRequest sets <resource>.<sizeKey>; a LimitsRequest sets <resource>.resources.
// Key order and comments of the rest of the document are preserved. When nothing
// changes the original bytes are returned.
func ApplyRequest(content []byte, req Request, sizeKey string) ([]byte, bool, error) {
	if req == nil || req.Target() == "" {
		return nil, false, fmt.Errorf("request has no target resource")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mappingNode()}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, false, fmt.Errorf("%w: document root is not a mapping", ErrMalformedDocument)
	}

	target, err := childMapping(doc.Content[0], req.Target())
	if err != nil {
		return nil, false, err
	}

	var changed bool
	switch r := req.(type) {
	case ResizeRequest:
		if r.Size == "" {
			return nil, false, fmt.Errorf("resize request for %s has no size", r.Resource)
		}
		existing := lookup(target, sizeKey)
		if existing != nil && existing.Kind == yaml.ScalarNode && existing.Value == r.Size {
			break
		}
		set(target, sizeKey, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: r.Size})
		changed = true
	case LimitsRequest:
		want := resources{Requests: r.Requests, Limits: r.Limits}
		if existing := lookup(target, "resources"); existing != nil {
			var have resources
			if existing.Decode(&have) == nil && reflect.DeepEqual(have, want) {
				break
			}
		}
		var value yaml.Node
		if err := value.Encode(want); err != nil {
			return nil, false, fmt.Errorf("failed to encode resources: %w", err)
		}
		set(target, "resources", &value)
		changed = true
	default:
		return nil, false, fmt.Errorf("unsupported request type %T", req)
	}

	if !changed {
		return content, false, nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, false, fmt.Errorf("failed to encode values: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to encode values: %w", err)
	}
	return buf.Bytes(), true, nil
}

func mappingNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

// childMapping returns the mapping under key, creating it when absent or null.
func childMapping(m *yaml.Node, key string) (*yaml.Node, error) {
	v := lookup(m, key)
	switch {
	case v == nil:
		v = mappingNode()
		set(m, key, v)
	case v.Kind == yaml.ScalarNode && v.Tag == "!!null":
		*v = *mappingNode()
	case v.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("%w: %s is not a mapping", ErrMalformedDocument, key)
	}
	return v, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func set(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}
