package dualiir

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"gopkg.in/yaml.v3"

	"github.com/itohio/stabilizer/pkg/settings"
)

// ApplyPreset reads a YAML mapping of settings paths to values and sets them
// in document order. Paths may name leaves or groups:
//
//	afe/0/gain: G2
//	iir_ch/0/0:
//	  ba: [1, 0, 0, 0, 0]
//	  y_min: -1000
//	  y_max: 1000
//
// It stops at the first rejected entry; entries before it stay applied.
func ApplyPreset(tree *settings.Tree[Settings], r io.Reader) error {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse preset: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("preset must be a mapping of paths to values")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		path := root.Content[i].Value

		var v any
		if err := root.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("preset %q: %w", path, err)
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("preset %q: %w", path, err)
		}
		if err := tree.Set(path, payload); err != nil {
			return fmt.Errorf("preset %q (line %d): %w", path, root.Content[i].Line, err)
		}
	}
	return nil
}

// LoadPreset applies the preset file at filename. A missing file is not an
// error.
func LoadPreset(tree *settings.Tree[Settings], filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open preset: %w", err)
	}
	defer f.Close()
	return ApplyPreset(tree, f)
}
