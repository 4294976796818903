// Package templateconfig turns a blank answer-sheet image into the
// bubble-coordinate configuration that marking jobs consume.
package templateconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/ternarybob/sheetmark/internal/vision"
)

// Warped template canvas size. Every configuration and every marking
// pass works in this coordinate frame.
const (
	TargetWidth  = 1200
	TargetHeight = 1600
)

// Metadata summarizes the detected layout.
type Metadata struct {
	NumQuestions          int   `json:"num_questions"`
	ColumnRowDistribution []int `json:"column_row_distribution"`
	OptionsPerQuestion    int   `json:"options_per_question"`
	NumColumns            int   `json:"num_columns"`
}

// ColumnStart anchors one question column in the warped frame.
type ColumnStart struct {
	StartingX int `json:"starting_x"`
	StartingY int `json:"starting_y"`
}

// GridBubbleConfig describes a regular grid: fixed offsets plus a
// start point per column.
type GridBubbleConfig struct {
	XOffset int                    `json:"x_offset"`
	YOffset int                    `json:"y_offset"`
	Columns map[string]ColumnStart `json:"columns"`
}

// BubblePoint is one detected bubble center in warped coordinates.
type BubblePoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Config is the persisted template configuration JSON. Exactly one of
// BubbleConfigs (grid) or Bubbles (clustering) is populated.
type Config struct {
	Metadata      Metadata          `json:"metadata"`
	BubbleConfigs *GridBubbleConfig `json:"bubble_configs,omitempty"`
	// Bubbles maps column index -> row index -> option centers.
	Bubbles map[string]map[string][]BubblePoint `json:"bubbles,omitempty"`
}

// Parse decodes a stored configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse template config: %w", err)
	}
	if cfg.BubbleConfigs == nil && cfg.Bubbles == nil {
		return nil, fmt.Errorf("template config has neither grid nor clustering bubbles")
	}
	return &cfg, nil
}

// Encode serializes the configuration for the artifact store.
func (c *Config) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode template config: %w", err)
	}
	return data, nil
}

// ChoiceDistribution returns the per-question option counts in
// question order.
func (c *Config) ChoiceDistribution() []int {
	dist := make([]int, 0, c.Metadata.NumQuestions)
	for i := 0; i < c.Metadata.NumQuestions; i++ {
		dist = append(dist, c.Metadata.OptionsPerQuestion)
	}
	return dist
}

// BubbleCoordinates flattens the configuration into the ordered bubble
// center list: columns left to right, rows top to bottom, options left
// to right. Marking configs and scoring both rely on this order.
func (c *Config) BubbleCoordinates() ([]vision.Point, error) {
	if c.BubbleConfigs != nil {
		return c.gridCoordinates()
	}
	if c.Bubbles != nil {
		return c.clusteringCoordinates()
	}
	return nil, fmt.Errorf("template config has no bubble layout")
}

func (c *Config) gridCoordinates() ([]vision.Point, error) {
	grid := c.BubbleConfigs
	if grid.XOffset <= 0 || grid.YOffset <= 0 {
		return nil, fmt.Errorf("grid config has non-positive offsets")
	}

	columns := make([]int, 0, len(grid.Columns))
	for key := range grid.Columns {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("bad column key %q in grid config", key)
		}
		columns = append(columns, n)
	}
	sort.Ints(columns)

	if len(columns) != len(c.Metadata.ColumnRowDistribution) {
		return nil, fmt.Errorf("grid config has %d columns but distribution lists %d",
			len(columns), len(c.Metadata.ColumnRowDistribution))
	}

	var points []vision.Point
	for i, col := range columns {
		start := grid.Columns[strconv.Itoa(col)]
		rows := c.Metadata.ColumnRowDistribution[i]
		for row := 0; row < rows; row++ {
			y := start.StartingY + row*grid.YOffset
			for opt := 0; opt < c.Metadata.OptionsPerQuestion; opt++ {
				points = append(points, vision.Point{
					X: float64(start.StartingX + opt*grid.XOffset),
					Y: float64(y),
				})
			}
		}
	}
	return points, nil
}

func (c *Config) clusteringCoordinates() ([]vision.Point, error) {
	columns := make([]int, 0, len(c.Bubbles))
	for key := range c.Bubbles {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("bad column key %q in clustering config", key)
		}
		columns = append(columns, n)
	}
	sort.Ints(columns)

	var points []vision.Point
	for _, col := range columns {
		rowsMap := c.Bubbles[strconv.Itoa(col)]
		rows := make([]int, 0, len(rowsMap))
		for key := range rowsMap {
			n, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("bad row key %q in clustering config", key)
			}
			rows = append(rows, n)
		}
		sort.Ints(rows)
		for _, row := range rows {
			for _, b := range rowsMap[strconv.Itoa(row)] {
				points = append(points, vision.Point{X: float64(b.X), Y: float64(b.Y)})
			}
		}
	}
	return points, nil
}
