package models

import "time"

// TemplateConfigType selects the bubble-detection strategy for a template.
type TemplateConfigType string

const (
	ConfigTypeGrid       TemplateConfigType = "grid_based"
	ConfigTypeClustering TemplateConfigType = "clustering_based"
)

// Template represents a blank answer-sheet form. Exactly one
// TemplateConfigJob drives its lifecycle; Status mirrors that job's
// terminal state, and ConfigurationFileID is set only on completion.
type Template struct {
	ID          int                `json:"id" badgerhold:"key"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	ConfigType  TemplateConfigType `json:"config_type"`
	Status      JobStatus          `json:"status"`

	NumQuestions       int `json:"num_questions,omitempty"`
	OptionsPerQuestion int `json:"options_per_question,omitempty"`

	// Artifact-store paths, relative to the storage root.
	TemplateFilePath      string `json:"template_file_path"`
	ConfigurationFilePath string `json:"configuration_file_path,omitempty"`

	Owner     int       `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsConfigured reports whether the template finished configuration and
// can back marking-config and marking jobs.
func (t *Template) IsConfigured() bool {
	return t.Status == JobStatusCompleted && t.ConfigurationFilePath != ""
}
