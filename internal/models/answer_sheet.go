package models

// Flag reasons recorded on a sheet's spreadsheet row.
const (
	FlagReasonMultiMarked     = "more_than_one_marked"
	FlagReasonUnmarked        = "not_marked"
	FlagReasonAlignmentFailed = "alignment_failed"
	FlagReasonIndexTimeout    = "index_timeout"
)

// LabeledPoint ties a scored bubble back to its pixel coordinates on
// the answer sheet, for annotated intermediate images and auditing.
type LabeledPoint struct {
	QuestionNumber int     `json:"question_number"`
	Label          string  `json:"label"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
}

// AnswerSheetResult is the transient per-sheet outcome inside a batch.
// It is never persisted individually; one summary row per sheet goes to
// the output spreadsheet.
type AnswerSheetResult struct {
	SheetID int    `json:"sheet_id"`
	Path    string `json:"path"`

	Correct      []int `json:"correct"`
	Incorrect    []int `json:"incorrect"`
	MultiMarked  []int `json:"multi_marked"`
	Unmarked     []int `json:"unmarked"`
	ColumnTotals []int `json:"column_totals"`
	Score        int   `json:"score"`

	Flag       bool   `json:"flag"`
	FlagReason string `json:"flag_reason,omitempty"`

	// Filled asynchronously from the index recognizer's result.
	IndexNumber     string  `json:"index_number,omitempty"`
	IndexConfidence float64 `json:"index_confidence,omitempty"`

	LabeledPoints []LabeledPoint `json:"labeled_points,omitempty"`
}
