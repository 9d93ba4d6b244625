package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"apqueue/internal"
)

// Columns is the fixed column order of every export.
var Columns = []string{
	"email_id", "subject", "vendor", "amount", "currency",
	"invoice_number", "due_date", "status", "confidence",
}

// Row renders item in Columns order. Missing values are empty strings.
func Row(item internal.CandidateItem) []string {
	amount := ""
	if item.Detected.Amount != nil {
		amount = strconv.FormatFloat(*item.Detected.Amount, 'f', 2, 64)
	}
	return []string{
		item.ID,
		item.Subject,
		item.Detected.Vendor,
		amount,
		item.Detected.Currency,
		item.Detected.InvoiceNumber,
		item.Detected.DueDate,
		string(item.Status),
		strconv.FormatFloat(item.Confidence, 'f', -1, 64),
	}
}

func WriteCSV(w io.Writer, items []internal.CandidateItem) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, item := range items {
		if err := cw.Write(Row(item)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func CSV(items []internal.CandidateItem) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, items); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func WriteXLSX(w io.Writer, items []internal.CandidateItem) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, "Queue"); err != nil {
		return err
	}
	if err := writeSheet(f, "Queue", items); err != nil {
		return err
	}

	_, err := f.WriteTo(w)
	return err
}

type cellSetter interface {
	SetCellValue(sheet, cell string, value any) error
}

func writeSheet(cs cellSetter, sheet string, items []internal.CandidateItem) error {
	set := func(col, row int, value any) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		if err := cs.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("xlsx cell %s: %w", cell, err)
		}
		return nil
	}

	for i, h := range Columns {
		if err := set(i+1, 1, h); err != nil {
			return err
		}
	}
	for i, item := range items {
		r := i + 2
		values := []any{
			item.ID,
			item.Subject,
			item.Detected.Vendor,
			nil,
			item.Detected.Currency,
			item.Detected.InvoiceNumber,
			item.Detected.DueDate,
			string(item.Status),
			item.Confidence,
		}
		if item.Detected.Amount != nil {
			values[3] = *item.Detected.Amount
		}
		for col, v := range values {
			if v == nil {
				continue
			}
			if err := set(col+1, r, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteFile exports items to path, as XLSX when the extension is .xlsx and
// as CSV otherwise.
func WriteFile(path string, items []internal.CandidateItem) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		err = WriteXLSX(out, items)
	default:
		err = WriteCSV(out, items)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}
