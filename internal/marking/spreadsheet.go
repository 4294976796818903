package marking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/sheetmark/internal/models"
)

const resultSheetName = "Results"

// resultHeader is the fixed column layout, one row per answer sheet in
// lexical file order.
var resultHeader = []any{
	"index_no", "correct", "incorrect", "more_than_one_marked", "not_marked",
	"column_totals", "score", "flag", "flag_reason", "labeled_points",
}

// Workbook wraps the output spreadsheet. Appends happen in sheet
// order; index numbers arrive out of order and are written by row
// index under the workbook lock.
type Workbook struct {
	mu   sync.Mutex
	file *excelize.File
	rows int
}

// NewWorkbook creates a fresh workbook with the header row.
func NewWorkbook() (*Workbook, error) {
	file := excelize.NewFile()
	index, err := file.NewSheet(resultSheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create result sheet: %w", err)
	}
	file.SetActiveSheet(index)
	if err := file.DeleteSheet("Sheet1"); err != nil && !strings.Contains(err.Error(), "not exist") {
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}

	wb := &Workbook{file: file}
	if err := wb.writeHeader(); err != nil {
		return nil, err
	}
	return wb, nil
}

// OpenWorkbook loads an existing workbook and clears its data rows,
// keeping only a fresh header. Re-running a marking job overwrites the
// previous run's rows.
func OpenWorkbook(data []byte) (*Workbook, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}

	idx, err := file.GetSheetIndex(resultSheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect workbook: %w", err)
	}
	if idx < 0 {
		if idx, err = file.NewSheet(resultSheetName); err != nil {
			return nil, fmt.Errorf("failed to create result sheet: %w", err)
		}
	}
	file.SetActiveSheet(idx)

	rows, err := file.GetRows(resultSheetName)
	if err == nil {
		for r := len(rows); r >= 1; r-- {
			if err := file.RemoveRow(resultSheetName, r); err != nil {
				return nil, fmt.Errorf("failed to clear workbook row %d: %w", r, err)
			}
		}
	}

	wb := &Workbook{file: file}
	if err := wb.writeHeader(); err != nil {
		return nil, err
	}
	return wb, nil
}

func (w *Workbook) writeHeader() error {
	if err := w.file.SetSheetRow(resultSheetName, "A1", &resultHeader); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}
	return nil
}

// AppendResult writes one sheet's outcome as the next data row.
// index_no stays blank; the index consumer fills it later by row.
func (w *Workbook) AppendResult(result *models.AnswerSheetResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	labeled, err := json.Marshal(result.LabeledPoints)
	if err != nil {
		return fmt.Errorf("failed to encode labeled points: %w", err)
	}

	row := []any{
		"", // index_no
		joinInts(result.Correct),
		joinInts(result.Incorrect),
		joinInts(result.MultiMarked),
		joinInts(result.Unmarked),
		joinInts(result.ColumnTotals),
		result.Score,
		result.Flag,
		result.FlagReason,
		string(labeled),
	}

	w.rows++
	cell := fmt.Sprintf("A%d", w.rows+1)
	if err := w.file.SetSheetRow(resultSheetName, cell, &row); err != nil {
		w.rows--
		return fmt.Errorf("failed to append result row: %w", err)
	}
	return nil
}

// SetIndexNumber fills the index_no cell for a sheet by its 0-based
// position in append order. lowConfidence additionally flags the row.
func (w *Workbook) SetIndexNumber(sheetID int, indexNumber string, lowConfidence bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sheetID < 0 || sheetID >= w.rows {
		return fmt.Errorf("sheet id %d out of range, have %d rows", sheetID, w.rows)
	}
	rowNum := sheetID + 2

	if err := w.file.SetCellValue(resultSheetName, fmt.Sprintf("A%d", rowNum), indexNumber); err != nil {
		return fmt.Errorf("failed to set index number: %w", err)
	}
	if lowConfidence {
		if err := w.file.SetCellValue(resultSheetName, fmt.Sprintf("H%d", rowNum), true); err != nil {
			return fmt.Errorf("failed to flag row: %w", err)
		}
		if err := w.file.SetCellValue(resultSheetName, fmt.Sprintf("I%d", rowNum), "low_confidence_index"); err != nil {
			return fmt.Errorf("failed to set flag reason: %w", err)
		}
	}
	return nil
}

// FlagMissingIndex marks a row whose index never arrived before the
// fan-in deadline.
func (w *Workbook) FlagMissingIndex(sheetID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sheetID < 0 || sheetID >= w.rows {
		return fmt.Errorf("sheet id %d out of range, have %d rows", sheetID, w.rows)
	}
	rowNum := sheetID + 2
	if err := w.file.SetCellValue(resultSheetName, fmt.Sprintf("H%d", rowNum), true); err != nil {
		return fmt.Errorf("failed to flag row: %w", err)
	}
	if err := w.file.SetCellValue(resultSheetName, fmt.Sprintf("I%d", rowNum), models.FlagReasonIndexTimeout); err != nil {
		return fmt.Errorf("failed to set flag reason: %w", err)
	}
	return nil
}

// Rows reports the number of data rows appended so far.
func (w *Workbook) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Bytes serializes the workbook for the artifact store.
func (w *Workbook) Bytes() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, err := w.file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}
