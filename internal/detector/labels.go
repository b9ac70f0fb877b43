package detector

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
)

// unknownLabel marks unused class ids in SSD label maps.
const unknownLabel = "???"

//go:embed data/coco_labels.txt
var cocoLabels []byte

// ParseLabels reads one label per line. Blank lines are kept as unknown
// classes so that line numbers stay aligned with class ids.
func ParseLabels(r io.Reader) ([]string, error) {
	var labels []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		label := strings.TrimSpace(scanner.Text())
		if label == "" {
			label = unknownLabel
		}
		labels = append(labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	// trailing unknowns carry no information
	for len(labels) > 0 && labels[len(labels)-1] == unknownLabel {
		labels = labels[:len(labels)-1]
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("label file is empty")
	}
	return labels, nil
}

// LoadLabels reads the label file at path, or the built-in COCO label map
// when path is empty.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		return ParseLabels(bytes.NewReader(cocoLabels))
	}
	f, err := os.Open(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseLabels(f)
}

// labelFor maps an SSD class id to its label. Label maps that start with
// the unknown placeholder are indexed from one.
func labelFor(labels []string, class int) (string, bool) {
	if len(labels) > 0 && labels[0] == unknownLabel {
		class++
	}
	if class < 0 || class >= len(labels) || labels[class] == unknownLabel {
		return "", false
	}
	return labels[class], true
}
