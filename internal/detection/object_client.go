package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

// Box is a detected bounding box in pixel space.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area in square pixels.
func (b Box) Area() float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Object is a single detection returned by the object detection service.
type Object struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Known object classes emitted by the lab equipment detector.
const (
	ClassConicalFlask = "Conical-flask"
	ClassBurette      = "Burette"
	ClassFunnel       = "Funnel"
	ClassBeaker       = "Beaker"
	ClassWhiteTile    = "White-tile"
	ClassFace         = "Face"
	ClassLabGoggles   = "Lab-goggles"
)

// objectResult is the detection service response envelope.
type objectResult struct {
	Detections []Object `json:"detections"`
	Count      int      `json:"count"`
}

// healthResponse is the /health probe response shared by the model services.
type healthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// ObjectClient calls the external object detection service over HTTP.
// The service is a black box; the client only normalizes its responses.
type ObjectClient struct {
	endpoint      string
	client        *http.Client
	confThreshold float64

	mu          sync.RWMutex
	enabled     bool
	healthCheck time.Time
}

// NewObjectClient creates a client for the detection service at endpoint.
func NewObjectClient(endpoint string) *ObjectClient {
	return &ObjectClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 15 * time.Second, // Longer timeout for GPU inference
		},
		confThreshold: 0.5,
		enabled:       true,
	}
}

// IsHealthy checks if the detection service is available. Health results are
// cached for 30 seconds.
func (c *ObjectClient) IsHealthy() bool {
	c.mu.RLock()
	if !c.enabled {
		c.mu.RUnlock()
		return false
	}
	if time.Since(c.healthCheck) < 30*time.Second {
		c.mu.RUnlock()
		return true
	}
	c.mu.RUnlock()

	resp, err := c.client.Get(c.endpoint + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var health healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.ModelLoaded {
			c.mu.Lock()
			c.healthCheck = time.Now()
			c.mu.Unlock()
			return true
		}
	}
	return false
}

// Detect runs object detection on a single JPEG frame.
func (c *ObjectClient) Detect(imageData []byte) ([]Object, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	fw.Write(imageData)
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", c.confThreshold))
	w.Close()

	req, err := http.NewRequest(http.MethodPost, c.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("object detection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("object detection failed: %s", string(body))
	}

	var result objectResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding detection response: %w", err)
	}
	return result.Detections, nil
}
