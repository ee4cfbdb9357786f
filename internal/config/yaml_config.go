package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetYamlConfig sets a dotted key (e.g. "lifecycle.restrict-review") in the
// config file at path, creating the file and intermediate mappings as
// needed. Comments and key order elsewhere in the file are preserved.
func SetYamlConfig(path, key, value string) error {
	if key == "" {
		return fmt.Errorf("empty config key")
	}
	content, err := os.ReadFile(path) // #nosec G304 - path is the operator's config file
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	out, err := updateYamlKey(content, key, value)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// updateYamlKey sets key in the YAML document content and returns the
// re-encoded document.
func updateYamlKey(content []byte, key, value string) ([]byte, error) {
	var doc yaml.Node
	if len(bytes.TrimSpace(content)) > 0 {
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config root is not a mapping")
	}

	parts := strings.Split(key, ".")
	node := root
	for _, part := range parts[:len(parts)-1] {
		child := lookup(node, part)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			node.Content = append(node.Content, scalar(part), child)
		} else if child.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("config key %q is not a mapping", part)
		}
		node = child
	}

	leaf := parts[len(parts)-1]
	newValue := valueNode(value)
	if existing := lookup(node, leaf); existing != nil {
		newValue.HeadComment = existing.HeadComment
		newValue.LineComment = existing.LineComment
		*existing = *newValue
	} else {
		node.Content = append(node.Content, scalar(leaf), newValue)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	_ = enc.Close()
	return buf.Bytes(), nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

// valueNode types value the way a hand-written config would: booleans,
// numbers, and durations stay bare, comma lists become sequences, and
// everything else is a string.
func valueNode(value string) *yaml.Node {
	lower := strings.ToLower(value)
	switch {
	case lower == "true" || lower == "false":
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: lower}
	case isNumeric(value):
		tag := "!!int"
		if strings.Contains(value, ".") {
			tag = "!!float"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
	case strings.Contains(value, ",") && !strings.ContainsAny(value, " :/"):
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				seq.Content = append(seq.Content, scalar(item))
			}
		}
		return seq
	default:
		return scalar(value)
	}
}

func isNumeric(s string) bool {
	if s == "" || s == "-" {
		return false
	}
	dots := 0
	for i, c := range s {
		if c == '-' && i == 0 {
			continue
		}
		if c == '.' {
			dots++
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return dots <= 1
}
