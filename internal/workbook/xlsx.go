package workbook

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrEmpty is returned when encoding a workbook without sheets or decoding
	// a file that has none.
	ErrEmpty = errors.New("workbook has no sheets")

	// ErrSheetName is returned for sheet names a spreadsheet cannot store.
	ErrSheetName = errors.New("invalid sheet name")

	// ErrUnreadable is returned when the bytes are not an xlsx file.
	ErrUnreadable = errors.New("workbook is not a readable xlsx file")
)

// CheckSheetName reports whether name can be written as a sheet name.
func CheckSheetName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrSheetName)
	}
	if len([]rune(name)) > MaxSheetNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrSheetName, name, MaxSheetNameLength)
	}
	if strings.ContainsAny(name, `:\/?*[]`) {
		return fmt.Errorf("%w: %q contains a reserved character", ErrSheetName, name)
	}
	return nil
}

// Encode writes the workbook as xlsx. Each sheet gets a bold, frozen header
// row.
func Encode(w *Workbook) ([]byte, error) {
	if w == nil || len(w.Sheets) == 0 {
		return nil, ErrEmpty
	}

	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	first := f.GetSheetName(0)
	for i, s := range w.Sheets {
		if err := CheckSheetName(s.Name); err != nil {
			return nil, err
		}
		if i == 0 {
			if err := f.SetSheetName(first, s.Name); err != nil {
				return nil, fmt.Errorf("name sheet %q: %w", s.Name, err)
			}
		} else if _, err := f.NewSheet(s.Name); err != nil {
			return nil, fmt.Errorf("create sheet %q: %w", s.Name, err)
		}
		if err := writeSheet(f, s, header); err != nil {
			return nil, fmt.Errorf("write sheet %q: %w", s.Name, err)
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, s *Sheet, headerStyle int) error {
	if err := setRow(f, s.Name, 1, s.Header); err != nil {
		return err
	}
	if err := f.SetRowStyle(s.Name, 1, 1, headerStyle); err != nil {
		return err
	}
	for i, r := range s.Rows {
		if err := setRow(f, s.Name, i+2, r.Cells); err != nil {
			return err
		}
	}

	if err := f.SetPanes(s.Name, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	for i := range s.Header {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(s.Name, col, col, columnWidth(s, i)); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, cells []string) error {
	if len(cells) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	values := make([]interface{}, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// columnWidth sizes a column to its longest value within sensible bounds.
func columnWidth(s *Sheet, col int) float64 {
	longest := len([]rune(s.Header[col]))
	for i, r := range s.Rows {
		if i == 200 {
			break
		}
		if n := len([]rune(r.Cell(col))); n > longest {
			longest = n
		}
	}
	w := float64(longest) + 2
	switch {
	case w < 10:
		return 10
	case w > 60:
		return 60
	}
	return w
}

// Decode reads an xlsx file. The first row of every sheet is its header;
// blank rows are dropped and short rows are padded to the header width.
func Decode(data []byte) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	names := f.GetSheetList()
	if len(names) == 0 {
		return nil, ErrEmpty
	}

	w := &Workbook{}
	for _, name := range names {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}

		var header []string
		if len(rows) > 0 {
			header = make([]string, len(rows[0]))
			for i, h := range rows[0] {
				header[i] = strings.TrimSpace(h)
			}
			header = trimTrailingBlank(header)
			rows = rows[1:]
		}

		s := NewSheet(name, header)
		for _, cells := range rows {
			if isBlank(cells) {
				continue
			}
			if len(cells) < len(header) {
				padded := make([]string, len(header))
				copy(padded, cells)
				cells = padded
			}
			s.Append(cells...)
		}
		w.Add(s)
	}
	return w, nil
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimTrailingBlank(cells []string) []string {
	n := len(cells)
	for n > 0 && cells[n-1] == "" {
		n--
	}
	return cells[:n]
}
