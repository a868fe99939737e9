package config

import (
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Hex is an integer that may be written in a layout file as a plain
// number or as a 0x-prefixed string.
type Hex uint64

func ParseHex(s string) (Hex, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad address %q", s)
	}
	return Hex(v), nil
}

func (h *Hex) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected a number", node.Line)
	}
	v, err := ParseHex(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*h = v
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return h.String(), nil
}

func (h Hex) String() string {
	return "0x" + strconv.FormatUint(uint64(h), 16)
}

func (Hex) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "integer"},
			{Type: "string", Pattern: `^(0[xX][0-9a-fA-F_]+|[0-9_]+)$`},
		},
	}
}
