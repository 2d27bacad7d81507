package pipeline

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"icdcompass/internal"
)

// WriteMappings writes the mappings artifact: sources pretty printed, one
// mapping object per line.
func WriteMappings(path string, ds internal.MappingsDataset) error {
	sources := ds.Sources
	if sources == nil {
		sources = map[string]internal.PublicSource{}
	}
	sourcesJSON, err := marshalJSON(sources, true, "  ")
	if err != nil {
		return &internal.IOError{Path: path, Err: err}
	}

	var buf bytes.Buffer
	buf.WriteString("{\n  \"sources\": ")
	buf.Write(sourcesJSON)
	buf.WriteString(",\n  \"mappings\": [")
	for i, m := range ds.Mappings {
		line, err := marshalJSON(m, false, "")
		if err != nil {
			return &internal.IOError{Path: path, Err: err}
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("\n    ")
		buf.Write(line)
	}
	if len(ds.Mappings) > 0 {
		buf.WriteString("\n  ")
	}
	buf.WriteString("]\n}\n")

	return writeArtifact(path, buf.Bytes())
}

func WriteLabels(path string, ds internal.LabelsDataset) error {
	if ds.Labels == nil {
		ds.Labels = internal.LabelTree{}
	}
	return writeIndented(path, ds)
}

func WriteDiagnostics(path string, d *Diagnostics) error {
	return writeIndented(path, d)
}

func ReadMappings(path string) (internal.MappingsDataset, error) {
	var ds internal.MappingsDataset
	blob, err := os.ReadFile(path)
	if err != nil {
		return ds, err
	}
	err = json.Unmarshal(blob, &ds)
	return ds, err
}

func ReadLabels(path string) (internal.LabelsDataset, error) {
	var ds internal.LabelsDataset
	blob, err := os.ReadFile(path)
	if err != nil {
		return ds, err
	}
	err = json.Unmarshal(blob, &ds)
	return ds, err
}

// DiagnosticsPath is the default report location next to an artifact.
func DiagnosticsPath(output string) string {
	return output + ".diagnostics.json"
}

func writeIndented(path string, v any) error {
	blob, err := marshalJSON(v, true, "")
	if err != nil {
		return &internal.IOError{Path: path, Err: err}
	}
	return writeArtifact(path, append(blob, '\n'))
}

// marshalJSON encodes without HTML escaping. Indented output starts every
// continuation line with prefix.
func marshalJSON(v any, indent bool, prefix string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent(prefix, "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &internal.IOError{Path: path, Err: err}
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return &internal.IOError{Path: path, Err: err}
	}
	return nil
}

// writeFileAtomic writes to a temp file in the destination directory and
// renames it into place, so readers never see a partial artifact.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
