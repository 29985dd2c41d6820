package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/xuri/excelize/v2"

	"github.com/iaiaz/mifa-credits/internal/domain/ledger"
)

// The ledger repository caps a page at 200 rows, so the export walks pages
// rather than asking for one oversized one (which would be clamped down).
const (
	exportPageSize = 200
	exportMaxRows  = 10000
)

// buildExport renders a transaction history into an xlsx workbook, newest
// first, matching the order the repository returns.
func buildExport(ownerID string, txns []ledger.Transaction) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Transactions"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	_ = f.SetCellValue(sheet, "A1", fmt.Sprintf("Transactions for %s", ownerID))

	headers := []string{"Date", "Type", "Amount (EUR)", "Description", "Model", "Payment ID"}
	for i, hdr := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 3)
		_ = f.SetCellValue(sheet, cell, hdr)
	}

	row := 4
	for _, t := range txns {
		model, paymentID := "", ""
		if t.Metadata.Usage != nil {
			model = t.Metadata.Usage.Model
		}
		if t.Metadata.Purchase != nil {
			paymentID = t.Metadata.Purchase.PaymentID
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), t.CreatedAt.Format("2006-01-02 15:04:05"))
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), string(t.Type))
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), t.Amount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), t.Description)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), model)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), paymentID)
		row++
	}
	return f, nil
}

// readBody reads at most limit bytes of the request body.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limit))
}
