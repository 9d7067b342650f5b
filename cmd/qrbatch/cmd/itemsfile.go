package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/qrbatch/pkg/models"
	"gopkg.in/yaml.v3"
)

// itemsFile is the YAML/JSON submission format. A bare list of items is
// accepted too.
type itemsFile struct {
	Items   []models.WorkItem `yaml:"items"`
	Options models.JobOptions `yaml:"options"`
}

// isCSV reports whether path should go through the upload endpoint
func isCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

// readItemsFile loads items and options from a YAML or JSON file
func readItemsFile(path string) (itemsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return itemsFile{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parseItemsFile(data)
}

func parseItemsFile(data []byte) (itemsFile, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return itemsFile{}, fmt.Errorf("failed to parse items file: %w", err)
	}
	if len(node.Content) == 0 {
		return itemsFile{}, errors.New("items file is empty")
	}

	var f itemsFile
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&f.Items); err != nil {
			return itemsFile{}, fmt.Errorf("failed to decode items: %w", err)
		}
	case yaml.MappingNode:
		if err := root.Decode(&f); err != nil {
			return itemsFile{}, fmt.Errorf("failed to decode items file: %w", err)
		}
	default:
		return itemsFile{}, errors.New("items file must be a list of items or a mapping with an items key")
	}
	if len(f.Items) == 0 {
		return itemsFile{}, errors.New("items file has no items")
	}
	return f, nil
}
