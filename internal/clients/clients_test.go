package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adverant/nexus/drawing-worker/internal/logging"
	"github.com/adverant/nexus/drawing-worker/internal/model"
	"github.com/adverant/nexus/drawing-worker/internal/recognition"
)

func TestAnalyzeComponents(t *testing.T) {
	var got ComponentAnalysisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/vision/analyze-components" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Source") != "drawing-worker" {
			t.Errorf("missing X-Source header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, `{
			"success": true,
			"data": {
				"components": [
					{"id": "KZ1", "type": "框架柱", "dimensions": "500x500", "bbox": [60, 40, 10, 10], "confidence": 92},
					{"id": "KL1", "type": "beam", "bbox": [1, 2, 3], "confidence": 0.9},
					{"id": "W1", "type": "shear wall", "bbox": [5, 5, 5, 30], "confidence": 0.7}
				],
				"summary": "1 column",
				"modelUsed": "vision-large",
				"processingTime": 812
			}
		}`)
	}))
	defer srv.Close()

	c := NewMageAgentClient(srv.URL).WithLogger(logging.Nop())
	res, err := c.AnalyzeComponents(context.Background(), []byte("tile-bytes"), recognition.PromptContext{
		TileID: "r0c1",
		Width:  512,
		Height: 512,
		Hints:  recognition.Hints{ComponentIDs: []string{"KZ1"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.TileID != "r0c1" || got.Task != "structural_components" || got.Format != "base64" {
		t.Errorf("request = %+v", got)
	}
	if dec, _ := base64.StdEncoding.DecodeString(got.Image); string(dec) != "tile-bytes" {
		t.Errorf("image payload = %q", dec)
	}
	if got.Hints == nil || len(got.Hints.ComponentIDs) != 1 {
		t.Errorf("hints not forwarded: %+v", got.Hints)
	}

	if !res.Success || res.Model != "vision-large" {
		t.Errorf("result = %+v", res)
	}
	// the 3-element bbox and the zero-width box are dropped
	if len(res.Components) != 1 {
		t.Fatalf("components = %+v", res.Components)
	}
	d := res.Components[0]
	if d.Type != model.ComponentColumn || d.Confidence != 0.92 {
		t.Errorf("detection = %+v", d)
	}
	if d.BBox.X1 != 10 || d.BBox.Y1 != 10 || d.BBox.X2 != 60 || d.BBox.Y2 != 40 {
		t.Errorf("bbox not normalized: %+v", d.BBox)
	}
}

func TestAnalyzeComponentsFailureEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": false, "message": "model overloaded"}`)
	}))
	defer srv.Close()

	c := NewMageAgentClient(srv.URL).WithLogger(logging.Nop())
	_, err := c.AnalyzeComponents(context.Background(), []byte("x"), recognition.PromptContext{TileID: "r0c0"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("err = %v", err)
	}
}

func TestAnalyzeComponentsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream timeout", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewMageAgentClient(srv.URL).WithLogger(logging.Nop())
	_, err := c.AnalyzeComponents(context.Background(), []byte("x"), recognition.PromptContext{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
}

func TestArtifactPut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fileprocess/api/files/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("source_service") != "drawing-worker" || r.FormValue("source_id") != "drawings/d1/runs/r1" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		if r.FormValue("ttl_days") != "36500" {
			t.Errorf("ttl_days = %q", r.FormValue("ttl_days"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		if hdr.Filename != "drawings/d1/runs/r1.json" && hdr.Filename != "r1.json" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		if string(body) != `{"ok":true}` {
			t.Errorf("body = %s", body)
		}
		io.WriteString(w, `{"success": true, "artifact": {"id": "a-1", "download_url": "https://files/a-1"}}`)
	}))
	defer srv.Close()

	c := NewArtifactClient(srv.URL)
	c.logger = logging.Nop()
	res, err := c.Put(context.Background(), "drawings/d1/runs/r1", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Locator != "https://files/a-1" {
		t.Errorf("put = %+v", res)
	}
}

func TestArtifactPutFallsBackToID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": true, "artifact": {"id": "a-2"}}`)
	}))
	defer srv.Close()

	c := NewArtifactClient(srv.URL)
	c.logger = logging.Nop()
	res, err := c.Put(context.Background(), "k", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Locator != "artifact:a-2" {
		t.Errorf("locator = %q", res.Locator)
	}
}

func TestArtifactPutFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success": false, "error": "quota exceeded"}`)
	}))
	defer srv.Close()

	c := NewArtifactClient(srv.URL)
	c.logger = logging.Nop()
	res, err := c.Put(context.Background(), "k", []byte("x"))
	if err == nil || res == nil || res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestGraphRAGStoreDocument(t *testing.T) {
	var got GraphRAGDocumentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphrag/api/documents" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-App-ID") != "drawing" {
			t.Errorf("X-App-ID = %q", r.Header.Get("X-App-ID"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"success": true, "documentId": "doc-7", "chunkCount": 3}`)
	}))
	defer srv.Close()

	c := NewGraphRAGClient(srv.URL)
	c.logger = logging.Nop()
	content := strings.Repeat("KL1 300x600 C30 ", 10)
	res, err := c.StoreDocument(context.Background(), &GraphRAGDocumentRequest{
		Content:  content,
		Title:    "S-101",
		Metadata: GraphRAGDocumentMeta{RunID: "run-1", Tier: "TILED_VISION", ComponentCount: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.DocumentID != "doc-7" || res.ChunkCount != 3 {
		t.Errorf("response = %+v", res)
	}
	if got.Metadata.RunID != "run-1" || got.Metadata.Tier != "TILED_VISION" || got.Content != content {
		t.Errorf("request = %+v", got)
	}
}

func TestGraphRAGSkipsShortTranscripts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("short transcript should not be sent")
	}))
	defer srv.Close()

	c := NewGraphRAGClient(srv.URL)
	c.logger = logging.Nop()
	res, err := c.StoreDocument(context.Background(), &GraphRAGDocumentRequest{Content: "KL1"})
	if err != nil || !res.Success {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestHealthChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health", "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := NewMageAgentClient(srv.URL).HealthCheck(ctx); err != nil {
		t.Errorf("mageagent: %v", err)
	}
	if err := NewArtifactClient(srv.URL).HealthCheck(ctx); err != nil {
		t.Errorf("artifact: %v", err)
	}
	if err := NewGraphRAGClient(srv.URL).HealthCheck(ctx); err != nil {
		t.Errorf("graphrag: %v", err)
	}
}
