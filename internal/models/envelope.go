package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result envelope statuses used on the wire. These are distinct from
// JobStatus: an envelope only ever reports a terminal outcome.
const (
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
)

// TemplateConfigRequest is the worker input for template configuration.
type TemplateConfigRequest struct {
	ID         int                `json:"id"`
	Name       string             `json:"name"`
	ConfigType TemplateConfigType `json:"config_type"`

	TemplatePath       string `json:"template_path"`
	TemplateConfigPath string `json:"template_config_path"`
	OutputImagePath    string `json:"output_image_path"`
	ResultImagePath    string `json:"result_image_path,omitempty"`

	NumOfColumns            int `json:"num_of_columns,omitempty"`
	NumOfRowsPerColumn      int `json:"num_of_rows_per_column,omitempty"`
	NumOfOptionsPerQuestion int `json:"num_of_options_per_question,omitempty"`

	SaveIntermediateResults bool `json:"save_intermediate_results"`
}

// MarkingConfigRequest is the worker input for marking configuration.
type MarkingConfigRequest struct {
	ID         int                `json:"id"`
	Name       string             `json:"name"`
	ConfigType TemplateConfigType `json:"config_type"`

	TemplatePath       string `json:"template_path"`
	MarkingSchemePath  string `json:"marking_scheme_path"`
	TemplateConfigPath string `json:"template_config_path"`
	MarkingConfigPath  string `json:"marking_config_path"`

	SaveIntermediateResults bool `json:"save_intermediate_results"`
}

// MarkingRequest is the worker input for a batch marking job.
type MarkingRequest struct {
	ID   int    `json:"id"`
	Name string `json:"name"`

	TemplateID              int    `json:"template_id"`
	TemplatePath            string `json:"template_path"`
	TemplateConfigPath      string `json:"template_config_path"`
	ConfigType              TemplateConfigType `json:"config_type"`
	MarkingSchemePath       string `json:"marking_path"`
	AnswerSheetsFolderPath  string `json:"answers_folder_path"`
	OutputPath              string `json:"output_path"`
	IntermediateResultsPath string `json:"intermediate_results_path,omitempty"`
	SaveIntermediateResults bool   `json:"save_intermediate_results"`
}

// IndexTaskRequest asks the index recognizer to read the handwritten
// student index from one answer sheet. TaskID is the owning marking
// job; SheetID is the sheet's position in lexical file order.
type IndexTaskRequest struct {
	TaskID   int    `json:"task_id"`
	SheetID  int    `json:"sheet_id"`
	FilePath string `json:"file_path"`
}

// ResultEnvelope is the single result shape every job kind publishes.
// Result holds the kind-specific payload and is null on failure.
type ResultEnvelope struct {
	JobID        int             `json:"job_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// NewCompletedEnvelope wraps a kind-specific result payload.
func NewCompletedEnvelope(jobID int, result any) (*ResultEnvelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result payload: %w", err)
	}
	return &ResultEnvelope{
		JobID:     jobID,
		Status:    ResultStatusCompleted,
		Result:    raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewFailedEnvelope reports a terminal failure for a job. The envelope
// is the durable record of the failure on the control plane.
func NewFailedEnvelope(jobID int, errMsg string) *ResultEnvelope {
	return &ResultEnvelope{
		JobID:        jobID,
		Status:       ResultStatusFailed,
		ErrorMessage: errMsg,
		Timestamp:    time.Now().UTC(),
	}
}

// Completed reports whether this envelope carries a success payload.
func (e *ResultEnvelope) Completed() bool {
	return e.Status == ResultStatusCompleted
}

// DecodeResult unmarshals the kind-specific payload into out.
func (e *ResultEnvelope) DecodeResult(out any) error {
	if len(e.Result) == 0 {
		return fmt.Errorf("result envelope for job %d has no payload", e.JobID)
	}
	return json.Unmarshal(e.Result, out)
}

// TemplateConfigResult is the success payload for template configuration.
type TemplateConfigResult struct {
	TemplateConfigPath string          `json:"template_config_path"`
	OutputImagePath    string          `json:"output_image_path"`
	ResultImagePath    string          `json:"result_image_path,omitempty"`
	BubbleConfig       json.RawMessage `json:"bubble_config"`
	ImageDimensions    *ImageDimensions `json:"image_dimensions,omitempty"`
}

// ImageDimensions records input and warped image sizes.
type ImageDimensions struct {
	OriginalWidth   int `json:"original_width"`
	OriginalHeight  int `json:"original_height"`
	ProcessedWidth  int `json:"processed_width"`
	ProcessedHeight int `json:"processed_height"`
}

// MarkingConfigResult is the success payload for marking configuration.
type MarkingConfigResult struct {
	MarkingConfigPath string `json:"marking_config_path"`
	MarkingSchemePath string `json:"marking_scheme_path"`
}

// MarkingResult is the success payload for a batch marking job.
type MarkingResult struct {
	OutputPath              string         `json:"output_path"`
	IntermediateResultsPath string         `json:"intermediate_results_path,omitempty"`
	TotalAnswerSheets       int            `json:"total_answer_sheets"`
	ProcessedAnswerSheets   int            `json:"processed_answer_sheets"`
	FailedAnswerSheets      int            `json:"failed_answer_sheets"`
	ProcessingStartedAt     time.Time      `json:"processing_started_at"`
	ProcessingCompletedAt   time.Time      `json:"processing_completed_at"`
	ResultsSummary          map[string]any `json:"results_summary,omitempty"`
}

// Index-task result flags.
const (
	IndexFlagOK            = "ok"
	IndexFlagLowConfidence = "low_confidence"
)

// IndexTaskResult is published by the index recognizer per sheet.
type IndexTaskResult struct {
	TaskID      int     `json:"task_id"`
	SheetID     int     `json:"sheet_id"`
	IndexNumber string  `json:"index_number"`
	Confidence  float64 `json:"confidence"`
	Flag        string  `json:"flag"`
}
