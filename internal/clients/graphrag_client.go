/**
 * GraphRAG Client for the Drawing Analysis Worker
 *
 * Stores each run's reading-order transcript in GraphRAG so drawings are
 * searchable through memory recall alongside other documents.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/drawing-worker/internal/logging"
)

// minTranscriptChars is the shortest transcript worth chunking.
const minTranscriptChars = 100

// GraphRAGClient handles communication with the GraphRAG service
type GraphRAGClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// GraphRAGDocumentRequest represents a document storage request
type GraphRAGDocumentRequest struct {
	Content  string               `json:"content"`
	Title    string               `json:"title"`
	Metadata GraphRAGDocumentMeta `json:"metadata,omitempty"`
}

// GraphRAGDocumentMeta contains drawing metadata
type GraphRAGDocumentMeta struct {
	Source         string   `json:"source,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Type           string   `json:"type,omitempty"`
	ProcessingID   string   `json:"processingJobId,omitempty"`
	DrawingID      string   `json:"drawingId,omitempty"`
	RunID          string   `json:"runId,omitempty"`
	Tier           string   `json:"fallbackTier,omitempty"`
	ComponentCount int      `json:"componentCount,omitempty"`
	ArtifactURL    string   `json:"artifactUrl,omitempty"`
}

// GraphRAGDocumentResponse represents the response from storing a document
type GraphRAGDocumentResponse struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"documentId,omitempty"`
	ChunkCount int    `json:"chunkCount,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewGraphRAGClient creates a new GraphRAG client
func NewGraphRAGClient(baseURL string) *GraphRAGClient {
	return &GraphRAGClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logging.NewLogger("GraphRAG"),
	}
}

// HealthCheck verifies GraphRAG service is available
func (c *GraphRAGClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GraphRAG health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GraphRAG health check returned status %d", resp.StatusCode)
	}

	return nil
}

// StoreDocument stores a transcript for chunking and search. Short
// transcripts are skipped and reported as success.
func (c *GraphRAGClient) StoreDocument(ctx context.Context, req *GraphRAGDocumentRequest) (*GraphRAGDocumentResponse, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("document content is required")
	}
	if len(req.Content) < minTranscriptChars {
		c.logger.Debug("transcript too short for chunking, skipping", "chars", len(req.Content))
		return &GraphRAGDocumentResponse{Success: true, Message: "Content too short for chunking, skipped"}, nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/graphrag/api/documents", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create store request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// system-level tenant context
	httpReq.Header.Set("X-Company-ID", "adverant")
	httpReq.Header.Set("X-App-ID", "drawing")
	httpReq.Header.Set("X-User-ID", "system")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to store document in GraphRAG: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read GraphRAG response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GraphRAG returned error status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var result GraphRAGDocumentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		// the document is stored even if the body is unreadable
		c.logger.Warn("failed to parse response", "error", err)
		return &GraphRAGDocumentResponse{Success: true, Message: "Document stored (response parse warning)"}, nil
	}

	if result.Success {
		c.logger.Info("Transcript stored", "id", result.DocumentID, "chunks", result.ChunkCount, "title", req.Title)
	} else {
		c.logger.Warn("Transcript storage failed", "error", result.Error)
	}
	return &result, nil
}
