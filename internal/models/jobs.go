package models

import "time"

// JobRecord carries the fields every job kind shares. Transitions are
// made by exactly one component per edge: producers move PENDING to
// QUEUED, the worker moves QUEUED to PROCESSING, result consumers apply
// the terminal states.
type JobRecord struct {
	ID          int         `json:"id" badgerhold:"key"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      JobStatus   `json:"status"`
	Priority    JobPriority `json:"priority"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`

	Owner     int       `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarkQueued stamps the producer-side transition before publish.
func (j *JobRecord) MarkQueued() {
	j.Status = JobStatusQueued
	now := time.Now().UTC()
	j.ProcessingStartedAt = &now
	j.UpdatedAt = now
}

// MarkProcessing stamps the worker's first touch.
func (j *JobRecord) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now().UTC()
}

// MarkCompleted applies the terminal success state.
func (j *JobRecord) MarkCompleted() {
	j.Status = JobStatusCompleted
	now := time.Now().UTC()
	j.ProcessingCompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed applies the terminal failure state with a short operator
// facing message. Detailed diagnostics belong in logs keyed by job id.
func (j *JobRecord) MarkFailed(errMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	now := time.Now().UTC()
	j.ProcessingCompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled applies the externally requested terminal state.
func (j *JobRecord) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now().UTC()
	j.ProcessingCompletedAt = &now
	j.UpdatedAt = now
}

// IsTerminal returns true once the record reached a final state.
func (j *JobRecord) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// TemplateConfigJob detects bubble coordinates on a blank template.
// Grid-based detection is parameterless; clustering-based detection
// requires the column/row/option counts.
type TemplateConfigJob struct {
	JobRecord

	TemplateID int                `json:"template_id"`
	ConfigType TemplateConfigType `json:"config_type"`

	TemplatePath       string `json:"template_path"`
	TemplateConfigPath string `json:"template_config_path"`
	OutputImagePath    string `json:"output_image_path"`
	ResultImagePath    string `json:"result_image_path,omitempty"`

	NumOfColumns            int `json:"num_of_columns,omitempty"`
	NumOfRowsPerColumn      int `json:"num_of_rows_per_column,omitempty"`
	NumOfOptionsPerQuestion int `json:"num_of_options_per_question,omitempty"`

	SaveIntermediateResults bool `json:"save_intermediate_results"`

	OriginalImageWidth   int `json:"original_image_width,omitempty"`
	OriginalImageHeight  int `json:"original_image_height,omitempty"`
	ProcessedImageWidth  int `json:"processed_image_width,omitempty"`
	ProcessedImageHeight int `json:"processed_image_height,omitempty"`
}

// MarkingConfigJob converts a filled marking-scheme image plus a
// completed template config into a cached list of marked-bubble
// coordinates. It depends on the template being configured.
type MarkingConfigJob struct {
	JobRecord

	TemplateID int                `json:"template_id"`
	ConfigType TemplateConfigType `json:"config_type"`

	TemplatePath       string `json:"template_path"`
	MarkingSchemePath  string `json:"marking_scheme_path"`
	TemplateConfigPath string `json:"template_config_path"`
	MarkingConfigPath  string `json:"marking_config_path"`

	SaveIntermediateResults bool `json:"save_intermediate_results"`
}

// MarkingJob scores every answer sheet in a folder against a marking
// scheme and assembles a result spreadsheet.
type MarkingJob struct {
	JobRecord

	TemplateID             int    `json:"template_id"`
	MarkingSchemePath      string `json:"marking_scheme_path"`
	AnswerSheetsFolderPath string `json:"answer_sheets_folder_path"`
	OutputPath             string `json:"output_path"`
	IntermediateResultsPath string `json:"intermediate_results_path,omitempty"`

	SaveIntermediateResults bool `json:"save_intermediate_results"`

	TotalAnswerSheets     int            `json:"total_answer_sheets,omitempty"`
	ProcessedAnswerSheets int            `json:"processed_answer_sheets,omitempty"`
	FailedAnswerSheets    int            `json:"failed_answer_sheets,omitempty"`
	ResultsSummary        map[string]any `json:"results_summary,omitempty"`
}

// ApplyProgress copies batch counters onto the record and derives the
// terminal aggregate: completed when at least half of the processed
// sheets succeeded, failed otherwise.
func (j *MarkingJob) ApplyProgress(total, processed, failed int) {
	j.TotalAnswerSheets = total
	j.ProcessedAnswerSheets = processed
	j.FailedAnswerSheets = failed

	attempted := processed + failed
	if attempted == 0 || processed*2 < attempted {
		j.MarkFailed("fewer than half of the answer sheets could be marked")
		return
	}
	j.MarkCompleted()
}

// SuccessRate returns the fraction of attempted sheets that succeeded.
func (j *MarkingJob) SuccessRate() float64 {
	attempted := j.ProcessedAnswerSheets + j.FailedAnswerSheets
	if attempted == 0 {
		return 0
	}
	return float64(j.ProcessedAnswerSheets) / float64(attempted)
}
