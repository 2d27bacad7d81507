package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"icdcompass/internal"
)

func mkXLSX(sheets map[string][][]any, order ...string) []byte {
	f := excelize.NewFile()
	first := f.GetSheetName(0)
	for i, name := range order {
		if i == 0 {
			_ = f.SetSheetName(first, name)
		} else {
			_, _ = f.NewSheet(name)
		}
		for r, row := range sheets[name] {
			for c, v := range row {
				cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
				_ = f.SetCellValue(name, cell, v)
			}
		}
	}
	buf := bytes.NewBuffer(nil)
	_, _ = f.WriteTo(buf)
	return buf.Bytes()
}

func TestXLSXRowsBySheetName(t *testing.T) {
	blob := mkXLSX(map[string][][]any{
		"Notes": {{"ignore me"}},
		"Codes": {
			{"code", "title"},
			{"I21.9", "Acute myocardial infarction, unspecified"},
			{},
			{"I22", "Subsequent myocardial infarction"},
		},
	}, "Notes", "Codes")

	src := internal.SourceDescriptor{ID: "X", Format: internal.FormatXLSX, Sheet: "Codes"}
	rows, errs := collect(t, src, blob, true)
	if len(errs) != 0 {
		t.Fatal(errs)
	}
	if len(rows) != 2 {
		t.Fatalf("len=%d", len(rows))
	}
	if rows[1].Line != 4 || rows[1].Cells[0] != "I22" || rows[1].Columns[1] != "title" {
		t.Fatalf("row=%+v", rows[1])
	}
}

func TestXLSXRowsBySheetIndex(t *testing.T) {
	blob := mkXLSX(map[string][][]any{
		"A": {{"x", 1}},
		"B": {{"4100", "I219"}},
	}, "A", "B")

	src := internal.SourceDescriptor{ID: "X", Format: internal.FormatXLSX, Sheet: "1"}
	rows, _ := collect(t, src, blob, false)
	if len(rows) != 1 || rows[0].Cells[1] != "I219" {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestXLSXMissingSheet(t *testing.T) {
	blob := mkXLSX(map[string][][]any{"A": {{"x"}}}, "A")
	src := internal.SourceDescriptor{ID: "X", Format: internal.FormatXLSX, Sheet: "Z"}
	_, err := Rows(src, blob, false)
	var le *internal.SourceLoadError
	if !errors.As(err, &le) {
		t.Fatalf("err=%v", err)
	}
}

func TestXLSXUnreadableWorkbook(t *testing.T) {
	src := internal.SourceDescriptor{ID: "X", Format: internal.FormatXLSX}
	if _, err := Rows(src, []byte("not a zip"), false); err == nil {
		t.Fatal("expected load error")
	}
}
