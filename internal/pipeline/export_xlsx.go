package pipeline

import (
	"fmt"
	"maps"
	"slices"

	"github.com/xuri/excelize/v2"

	"icdcompass/internal"
	"icdcompass/internal/catalog"
)

// ExportRowsToXLSX writes one sheet row per joined mapping. Attribute keys
// become trailing columns in sorted order.
func ExportRowsToXLSX(rows []catalog.Row, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	attrKeys := map[string]struct{}{}
	for _, row := range rows {
		for k := range row.Attributes {
			attrKeys[k] = struct{}{}
		}
	}
	attrs := slices.Sorted(maps.Keys(attrKeys))

	headers := []string{
		"from_icd", "from_code", "from_label",
		"to_icd", "to_code", "to_label",
		"source", "source_title",
	}
	headers = append(headers, attrs...)

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, row.FromICD)
		set(2, row.FromCode)
		set(3, row.FromLabel)
		set(4, row.ToICD)
		set(5, row.ToCode)
		set(6, row.ToLabel)
		set(7, row.Source)
		set(8, row.SourceTitle)
		for j, k := range attrs {
			set(9+j, row.Attributes[k])
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return &internal.IOError{Path: outputPath, Err: err}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return &internal.IOError{Path: outputPath, Err: err}
	}
	return writeArtifact(outputPath, buf.Bytes())
}

// ExportTable reads both artifacts back and writes the joined sheet.
func ExportTable(mappingsPath, labelsPath, lang, outputPath string) (int, error) {
	mappings, err := ReadMappings(mappingsPath)
	if err != nil {
		return 0, err
	}
	labels := internal.LabelsDataset{Labels: internal.LabelTree{}}
	if labelsPath != "" {
		labels, err = ReadLabels(labelsPath)
		if err != nil {
			return 0, err
		}
	}
	idx := catalog.BuildIndex(labels.Labels)
	if langs := idx.Languages(); len(langs) > 0 && !slices.Contains(langs, lang) {
		return 0, fmt.Errorf("no labels in language %q (have %v)", lang, langs)
	}
	rows := catalog.Join(mappings, idx, lang)
	return len(rows), ExportRowsToXLSX(rows, outputPath)
}
