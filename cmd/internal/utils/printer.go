package utils

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// TablePrinter can be used to print data as a table
type TablePrinter struct {
	table *tablewriter.Table
}

// NewTablePrinter returns a new table printer
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{
		table: tablewriter.NewWriter(w),
	}
}

// Print prints the table
func (t *TablePrinter) Print(headers []string, data [][]string) error {
	h := make([]any, 0, len(headers))
	for _, header := range headers {
		h = append(h, header)
	}

	t.table.Header(h...)
	if err := t.table.Bulk(data); err != nil {
		return err
	}
	return t.table.Render()
}
