/**
 * MageAgent Client - Vision Component Analysis
 *
 * MageAgent selects the vision model; this client only speaks its internal
 * HTTP protocol. Tiles are sent base64-encoded together with the prompt
 * context, and detections come back in a success envelope.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/geometry"
	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
)

// MageAgentClient handles communication with MageAgent service
type MageAgentClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ComponentAnalysisRequest is the body of an analyze-components call
type ComponentAnalysisRequest struct {
	Image    string                 `json:"image"`  // Base64 encoded image
	Format   string                 `json:"format"` // always "base64"
	Task     string                 `json:"task"`
	TileID   string                 `json:"tileId,omitempty"`
	Width    int                    `json:"width"`
	Height   int                    `json:"height"`
	Hints    *recognition.Hints     `json:"hints,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ComponentAnalysisResponse is MageAgent's envelope
type ComponentAnalysisResponse struct {
	Success bool                  `json:"success"`
	Data    ComponentAnalysisData `json:"data"`
	Message string                `json:"message"`
}

// ComponentAnalysisData holds the detections
type ComponentAnalysisData struct {
	Components     []DetectedComponent `json:"components"`
	Summary        string              `json:"summary"`
	ModelUsed      string              `json:"modelUsed"`
	ProcessingTime int64               `json:"processingTime"` // milliseconds
}

// DetectedComponent is one detection as sent on the wire. BBox is
// [x1, y1, x2, y2] in tile pixels.
type DetectedComponent struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	Dimensions string    `json:"dimensions,omitempty"`
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
}

// NewMageAgentClient creates a new MageAgent client
func NewMageAgentClient(baseURL string) *MageAgentClient {
	return &MageAgentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Vision tasks can take time
		},
		logger: logging.NewLogger("MageAgentClient"),
	}
}

// WithLogger replaces the client's logger
func (c *MageAgentClient) WithLogger(l *logging.Logger) *MageAgentClient {
	c.logger = l
	return c
}

// AnalyzeComponents asks the vision service for structural components in
// one image. Malformed detections are dropped here.
func (c *MageAgentClient) AnalyzeComponents(ctx context.Context, image []byte, pc recognition.PromptContext) (*recognition.VisionResult, error) {
	req := &ComponentAnalysisRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		Format: "base64",
		Task:   "structural_components",
		TileID: pc.TileID,
		Width:  pc.Width,
		Height: pc.Height,
		Metadata: map[string]interface{}{
			"source":    "drawing-worker",
			"timestamp": time.Now().Unix(),
		},
	}
	if !pc.Hints.Empty() {
		hints := pc.Hints
		req.Hints = &hints
	}

	var resp ComponentAnalysisResponse
	if err := c.postJSON(ctx, "/api/internal/vision/analyze-components", "vision", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("MageAgent operation failed: %s", resp.Message)
	}

	result := &recognition.VisionResult{
		Success: true,
		Summary: resp.Data.Summary,
		Model:   resp.Data.ModelUsed,
	}
	dropped := 0
	for _, d := range resp.Data.Components {
		det, ok := d.toDetection()
		if !ok {
			dropped++
			continue
		}
		result.Components = append(result.Components, det)
	}

	c.logger.Debug("Component analysis complete",
		"tile", pc.TileID,
		"modelUsed", resp.Data.ModelUsed,
		"components", len(result.Components),
		"dropped", dropped,
		"processingTime", resp.Data.ProcessingTime)

	return result, nil
}

func (d DetectedComponent) toDetection() (recognition.VisionDetection, bool) {
	if len(d.BBox) != 4 {
		return recognition.VisionDetection{}, false
	}
	box := geometry.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}.Normalize()
	if !box.Valid() {
		return recognition.VisionDetection{}, false
	}
	return recognition.VisionDetection{
		ComponentID: d.ID,
		Type:        recognition.ParseComponentType(d.Type),
		Dimensions:  d.Dimensions,
		BBox:        box,
		Confidence:  recognition.ClampConfidence(d.Confidence),
	}, true
}

// HealthCheck verifies MageAgent service is available
func (c *MageAgentClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *MageAgentClient) postJSON(ctx context.Context, path, requestKind string, in, out interface{}) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "drawing-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("%s-%d", requestKind, time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request to MageAgent failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MageAgent returned error status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
