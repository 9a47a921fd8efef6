package bankxledger

import (
	"io"
	"time"

	"github.com/go-pdf/fpdf"
)

var stmtCols = []struct {
	title string
	width float64
	align string
}{
	{"Date", 40, "L"},
	{"Type", 30, "L"},
	{"Description", 75, "L"},
	{"Amount", 35, "R"},
}

// writeStatement renders acct and its transactions, newest first, as a PDF.
// Amounts are signed from the point of view of acct.
func writeStatement(w io.Writer, acct *Account, txns []Transaction, at time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Account statement "+acct.Number, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Account statement")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 6, acct.Name+" ("+acct.Type.Label()+")")
	pdf.Ln(6)
	pdf.Cell(0, 6, "Account number: "+acct.Number)
	pdf.Ln(6)
	pdf.Cell(0, 6, "Balance: "+acct.Balance.StringFixed(2))
	pdf.Ln(6)
	pdf.Cell(0, 6, "Generated: "+at.UTC().Format(time.RFC1123))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for _, c := range stmtCols {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, c.align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	for _, t := range txns {
		desc := t.Description
		if len(desc) > 45 {
			desc = desc[:42] + "..."
		}
		row := []string{
			t.CreatedAt.UTC().Format("2006-01-02 15:04"),
			string(t.Type),
			desc,
			t.Delta(acct.ID).StringFixed(2),
		}
		for i, c := range stmtCols {
			pdf.CellFormat(c.width, 6, row[i], "1", 0, c.align, false, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(txns) == 0 {
		pdf.CellFormat(180, 6, "No transactions", "1", 1, "C", false, 0, "")
	}

	return pdf.Output(w)
}
