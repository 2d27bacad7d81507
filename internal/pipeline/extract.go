package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"

	"icdcompass/internal"
	"icdcompass/internal/util"
)

var (
	reColumnGap     = regexp.MustCompile(`\t|\s{2,}`)
	sniffCandidates = []rune{',', ';', '\t', '|'}
	utf8BOM         = []byte{0xEF, 0xBB, 0xBF}
)

// rowSource yields physical rows of one file. implicit holds column names the
// format itself provides (named capture groups), if any.
type rowSource struct {
	rows     iter.Seq2[internal.RawRow, error]
	implicit []string
}

// Rows parses body per the source's declared format and yields data rows.
// When needHeader is set and neither the registry nor the format supplies
// column names, the first well-formed row is consumed as the header.
// A non-nil error means the whole source is unreadable.
func Rows(src internal.SourceDescriptor, body []byte, needHeader bool) (iter.Seq2[internal.RawRow, error], error) {
	rs, err := openRows(src, body)
	if err != nil {
		return nil, &internal.SourceLoadError{SourceID: src.ID, Location: src.Location(), Err: err}
	}

	columns := normalizeCells(src.Header)
	if len(columns) == 0 {
		columns = rs.implicit
	}
	consumeHeader := needHeader && len(columns) == 0

	return func(yield func(internal.RawRow, error) bool) {
		cols := columns
		wantHeader := consumeHeader
		for row, err := range rs.rows {
			if err != nil {
				if !yield(internal.RawRow{}, err) {
					return
				}
				continue
			}
			if isBlank(row.Cells) {
				continue
			}
			if wantHeader {
				cols = normalizeCells(row.Cells)
				wantHeader = false
				continue
			}
			row.Columns = cols
			if !yield(row, nil) {
				return
			}
		}
	}, nil
}

func openRows(src internal.SourceDescriptor, body []byte) (rowSource, error) {
	switch src.Format {
	case internal.FormatCSV, internal.FormatTSV:
		return csvRows(src, body)
	case internal.FormatXLSX:
		return xlsxRows(src, body)
	case internal.FormatHTML:
		return htmlRows(src, body)
	case internal.FormatPDF:
		return pdfRows(src, body)
	case internal.FormatFixed:
		return fixedRows(src, body)
	case internal.FormatText:
		return textRows(src, body)
	default:
		return rowSource{}, fmt.Errorf("unsupported format: %s", src.Format)
	}
}

func decodeText(body []byte, encoding string) (string, error) {
	body = bytes.TrimPrefix(body, utf8BOM)
	name := strings.ToLower(strings.TrimSpace(encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		if !utf8.Valid(body) {
			return "", errors.New("input is not valid utf-8; declare an encoding")
		}
		return string(body), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", fmt.Errorf("unknown encoding %q", encoding)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", encoding, err)
	}
	return string(bytes.TrimPrefix(decoded, utf8BOM)), nil
}

func csvRows(src internal.SourceDescriptor, body []byte) (rowSource, error) {
	text, err := decodeText(body, src.Encoding)
	if err != nil {
		return rowSource{}, err
	}

	comma := ','
	switch {
	case src.Format == internal.FormatTSV:
		comma = '\t'
	case src.Delimiter != "":
		comma, _ = utf8.DecodeRuneInString(src.Delimiter)
	default:
		comma = sniffDelimiter(text)
	}

	lines := rawLines(text)
	rows := func(yield func(internal.RawRow, error) bool) {
		// An unterminated quote makes the reader swallow the rest of the
		// input, so it restarts on the line after the broken record.
		base := 0
		for base < len(lines) {
			r := csv.NewReader(strings.NewReader(strings.Join(lines[base:], "\n")))
			r.Comma = comma
			r.FieldsPerRecord = -1
			restart := -1
			for restart < 0 {
				record, err := r.Read()
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil {
					line, raw := 0, ""
					var pe *csv.ParseError
					if errors.As(err, &pe) {
						pe.StartLine += base
						pe.Line += base
						line = pe.StartLine
						if line >= 1 && line <= len(lines) {
							raw = lines[line-1]
						}
						if errors.Is(pe.Err, csv.ErrQuote) {
							restart = line
						}
					}
					if !yield(internal.RawRow{}, &internal.SourceFormatError{SourceID: src.ID, Line: line, Raw: raw, Err: err}) {
						return
					}
					continue
				}
				line, _ := r.FieldPos(0)
				if !yield(internal.RawRow{SourceID: src.ID, Line: base + line, Cells: record}, nil) {
					return
				}
			}
			base = restart
		}
	}
	return rowSource{rows: rows}, nil
}

// sniffDelimiter picks the most frequent candidate delimiter on the first
// non-empty line, falling back to a comma.
func sniffDelimiter(text string) rune {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		best, bestCount := ',', 0
		for _, c := range sniffCandidates {
			if n := strings.Count(line, string(c)); n > bestCount {
				best, bestCount = c, n
			}
		}
		return best
	}
	return ','
}

func xlsxRows(src internal.SourceDescriptor, body []byte) (rowSource, error) {
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return rowSource{}, err
	}
	defer f.Close()

	sheet, err := resolveSheet(f.GetSheetList(), src.Sheet)
	if err != nil {
		return rowSource{}, err
	}
	all, err := f.GetRows(sheet)
	if err != nil {
		return rowSource{}, err
	}

	rows := func(yield func(internal.RawRow, error) bool) {
		for i, cells := range all {
			if !yield(internal.RawRow{SourceID: src.ID, Line: i + 1, Cells: cells}, nil) {
				return
			}
		}
	}
	return rowSource{rows: rows}, nil
}

// resolveSheet accepts a sheet name or, when no sheet carries that name, a
// 0-based index. Empty selects the first sheet.
func resolveSheet(sheets []string, selector string) (string, error) {
	if len(sheets) == 0 {
		return "", errors.New("workbook has no sheets")
	}
	if selector == "" {
		return sheets[0], nil
	}
	for _, name := range sheets {
		if name == selector {
			return name, nil
		}
	}
	if idx, err := strconv.Atoi(selector); err == nil && idx >= 0 && idx < len(sheets) {
		return sheets[idx], nil
	}
	return "", fmt.Errorf("sheet %q not found (have %s)", selector, strings.Join(sheets, ", "))
}

func htmlRows(src internal.SourceDescriptor, body []byte) (rowSource, error) {
	text, err := decodeText(body, src.Encoding)
	if err != nil {
		return rowSource{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return rowSource{}, err
	}

	tables := doc.Find("table")
	if src.Table >= tables.Length() {
		return rowSource{}, fmt.Errorf("table %d not found (document has %d)", src.Table, tables.Length())
	}
	table := tables.Eq(src.Table)

	var all [][]string
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		// rows of nested tables belong to those tables
		if row.Closest("table").Get(0) != table.Get(0) {
			return
		}
		cells := []string{}
		row.ChildrenFiltered("th,td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, util.NormalizeSpaces(cell.Text()))
		})
		all = append(all, cells)
	})

	rows := func(yield func(internal.RawRow, error) bool) {
		for i, cells := range all {
			if !yield(internal.RawRow{SourceID: src.ID, Line: i + 1, Cells: cells}, nil) {
				return
			}
		}
	}
	return rowSource{rows: rows}, nil
}

func pdfRows(src internal.SourceDescriptor, body []byte) (rs rowSource, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return rowSource{}, err
	}

	type pageText struct {
		page int
		text string
		err  error
	}
	pages := make([]pageText, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		pages = append(pages, pageText{page: i, text: text, err: err})
	}

	rows := func(yield func(internal.RawRow, error) bool) {
		lineNo := 0
		for _, pt := range pages {
			if pt.err != nil {
				if !yield(internal.RawRow{}, &internal.SourceFormatError{SourceID: src.ID, Line: lineNo, Raw: fmt.Sprintf("page %d", pt.page), Err: pt.err}) {
					return
				}
				continue
			}
			for _, line := range splitLines(pt.text) {
				lineNo++
				cells, err := splitLine(src.Pattern, line)
				if err != nil {
					if !yield(internal.RawRow{}, &internal.SourceFormatError{SourceID: src.ID, Line: lineNo, Raw: line, Err: err}) {
						return
					}
					continue
				}
				if !yield(internal.RawRow{SourceID: src.ID, Line: lineNo, Cells: cells}, nil) {
					return
				}
			}
		}
	}
	return rowSource{rows: rows, implicit: groupNames(src.Pattern)}, nil
}

func fixedRows(src internal.SourceDescriptor, body []byte) (rowSource, error) {
	text, err := decodeText(body, src.Encoding)
	if err != nil {
		return rowSource{}, err
	}

	lastStart := 0
	for _, w := range src.Widths[:len(src.Widths)-1] {
		lastStart += w
	}

	rows := func(yield func(internal.RawRow, error) bool) {
		for i, line := range rawLines(text) {
			if strings.TrimSpace(line) == "" {
				continue
			}
			runes := []rune(line)
			if len(runes) <= lastStart {
				err := fmt.Errorf("line has %d characters, need more than %d for %d columns", len(runes), lastStart, len(src.Widths))
				if !yield(internal.RawRow{}, &internal.SourceFormatError{SourceID: src.ID, Line: i + 1, Raw: line, Err: err}) {
					return
				}
				continue
			}
			cells := make([]string, 0, len(src.Widths))
			offset := 0
			for _, w := range src.Widths {
				end := min(offset+w, len(runes))
				cells = append(cells, strings.TrimSpace(string(runes[offset:end])))
				offset = end
			}
			if !yield(internal.RawRow{SourceID: src.ID, Line: i + 1, Cells: cells}, nil) {
				return
			}
		}
	}
	return rowSource{rows: rows}, nil
}

func textRows(src internal.SourceDescriptor, body []byte) (rowSource, error) {
	text, err := decodeText(body, src.Encoding)
	if err != nil {
		return rowSource{}, err
	}

	rows := func(yield func(internal.RawRow, error) bool) {
		for i, line := range rawLines(text) {
			if strings.TrimSpace(line) == "" {
				continue
			}
			cells, err := splitLine(src.Pattern, line)
			if err != nil {
				if !yield(internal.RawRow{}, &internal.SourceFormatError{SourceID: src.ID, Line: i + 1, Raw: line, Err: err}) {
					return
				}
				continue
			}
			if !yield(internal.RawRow{SourceID: src.ID, Line: i + 1, Cells: cells}, nil) {
				return
			}
		}
	}
	return rowSource{rows: rows, implicit: groupNames(src.Pattern)}, nil
}

// splitLine tokenizes a line by the capture groups of pattern, or by runs of
// two or more spaces when no pattern is declared.
func splitLine(pattern *regexp.Regexp, line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if pattern == nil {
		parts := reColumnGap.Split(line, -1)
		return normalizeCells(parts), nil
	}
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("line does not match pattern %s", pattern)
	}
	return normalizeCells(m[1:]), nil
}

// groupNames returns the capture group names when every group is named.
func groupNames(pattern *regexp.Regexp) []string {
	if pattern == nil {
		return nil
	}
	names := pattern.SubexpNames()[1:]
	for _, n := range names {
		if n == "" {
			return nil
		}
	}
	return names
}

func rawLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

func splitLines(text string) []string {
	parts := rawLines(text)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeCells(row []string) []string {
	if len(row) == 0 {
		return nil
	}
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, util.NormalizeSpaces(c))
	}
	return out
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
