package indexer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"net/http"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// HTTPRecognizer calls an external OCR service over HTTP. The crop is
// sent base64-encoded; the service answers with the recognized text and
// its confidence.
type HTTPRecognizer struct {
	url    string
	client *http.Client
}

var _ interfaces.DigitRecognizer = (*HTTPRecognizer)(nil)

// NewHTTPRecognizer builds a recognizer against the configured OCR
// endpoint.
func NewHTTPRecognizer(cfg *common.IndexerConfig) (*HTTPRecognizer, error) {
	if cfg.OCRServiceURL == "" {
		return nil, fmt.Errorf("ocr service url is not configured")
	}
	return &HTTPRecognizer{
		url:    cfg.OCRServiceURL,
		client: &http.Client{Timeout: cfg.OCRTimeout},
	}, nil
}

type ocrRequest struct {
	Image string `json:"image"`
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognize submits the index-box crop and returns the reading.
func (r *HTTPRecognizer) Recognize(ctx context.Context, crop image.Image) (string, float64, error) {
	png, err := vision.Encode(crop, ".png")
	if err != nil {
		return "", 0, err
	}

	payload, err := json.Marshal(ocrRequest{Image: base64.StdEncoding.EncodeToString(png)})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("ocr request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("ocr service returned status %d", resp.StatusCode)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("failed to decode ocr response: %w", err)
	}
	return out.Text, out.Confidence, nil
}
