package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Labels emitted by the action classification service.
const (
	ActionCorrect    = "Correct"
	ActionIncorrect  = "Incorrect"
	ActionStationary = "Stationary"
)

// ValidAction reports whether label is one of the classifier's labels.
func ValidAction(label string) bool {
	switch label {
	case ActionCorrect, ActionIncorrect, ActionStationary:
		return true
	}
	return false
}

// actionResult is the classifier response envelope.
type actionResult struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// ActionClient calls the external action classification service over HTTP.
// It receives the cropped frames of one segment and returns a single label.
type ActionClient struct {
	endpoint string
	client   *http.Client
}

// NewActionClient creates a client for the classifier service at endpoint.
func NewActionClient(endpoint string) *ActionClient {
	return &ActionClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second, // Clips take longer than single frames
		},
	}
}

// Classify sends the cropped clip frames and returns the predicted label.
func (c *ActionClient) Classify(frames [][]byte) (string, error) {
	if len(frames) == 0 {
		return "", fmt.Errorf("empty clip")
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for i, frame := range frames {
		fw, err := w.CreateFormFile("frames", fmt.Sprintf("frame_%03d.jpg", i))
		if err != nil {
			return "", err
		}
		fw.Write(frame)
	}
	w.Close()

	req, err := http.NewRequest(http.MethodPost, c.endpoint+"/classify", &b)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("action classification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("action classification failed: %s", string(body))
	}

	var result actionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding classification response: %w", err)
	}
	if !ValidAction(result.Action) {
		return "", fmt.Errorf("unknown action label %q", result.Action)
	}
	return result.Action, nil
}
