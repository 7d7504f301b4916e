package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/infrastructure/config"
	"github.com/provenancelab/vidproof/pkg/pipeline"
	"github.com/provenancelab/vidproof/pkg/scheduler"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
	"github.com/provenancelab/vidproof/pkg/storage/memory"
	"github.com/provenancelab/vidproof/pkg/upload"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

const testChunkSize = 8

type apiFixture struct {
	server *Server
	store  *memory.Store
	ts     *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.ChunkSize = testChunkSize
	cfg.Storage.MaxFileSize = 1 << 20

	blobs, err := blob.NewStore(cfg.Storage.Root)
	require.NoError(t, err)

	store := memory.NewStore()
	hooks := webhook.NewDispatcher(time.Second, 1, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hooks.Close(ctx)
	})

	entries := []pipeline.Entry{
		{Name: analysis.StageUpload},
		{Name: analysis.StageMetadataExtraction, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{Metadata: &analysis.MetadataResult{
				Container: analysis.ContainerMetadata{CodecName: "h264"},
			}}}, nil
		}},
		{Name: analysis.StagePRNU, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{PRNU: &analysis.PRNUResult{}}}, nil
		}},
		{Name: analysis.StageFFT, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{FFT: &analysis.FFTResult{}}}, nil
		}},
		{Name: analysis.StageClassification, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{Classification: &analysis.ClassificationResult{
				Classification: analysis.LabelRealCamera,
				Confidence:     0.9,
			}}}, nil
		}},
		{Name: analysis.StageCleaning, Optional: true, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{Cleaning: &analysis.CleaningResult{
				Skipped: true, Reason: "encoder unavailable",
			}}}, nil
		}},
	}

	exec := pipeline.NewExecutor(store, blobs,
		pipeline.NewRegistryWithEntries(entries),
		pipeline.NewPublisher(store, nil, zerolog.Nop()),
		hooks, zerolog.Nop())
	sched := scheduler.New(store, exec, 2, 16, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Close(ctx)
	})

	assembler := upload.NewAssembler(blobs, cfg.Storage.ChunkSize, cfg.Storage.MaxFileSize, zerolog.Nop())
	server := NewServer(cfg, store, blobs, assembler, sched, hooks, zerolog.Nop())

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{server: server, store: store, ts: ts}
}

func (f *apiFixture) postMultipart(t *testing.T, path string, fields map[string]string, fileField, filename string, fileBytes []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		part, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = part.Write(fileBytes)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.ts.URL+path, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func (f *apiFixture) waitCompleted(t *testing.T, analysisID string) {
	t.Helper()
	id, err := uuid.Parse(analysisID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := f.store.Job(context.Background(), id)
		return err == nil && job.State == analysis.JobCompleted
	}, 10*time.Second, 10*time.Millisecond)
}

func TestChunkedUploadFlow(t *testing.T) {
	f := newAPIFixture(t)
	payload := []byte("0123456789abcdefghij") // 3 chunks of 8

	resp := f.postMultipart(t, "/api/v1/upload/init", map[string]string{
		"filename":  "evidence.mp4",
		"file_size": fmt.Sprintf("%d", len(payload)),
	}, "", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	init := decodeBody(t, resp)
	uploadID := init["upload_id"].(string)
	assert.EqualValues(t, 3, init["total_chunks"])

	// Out of order, as clients actually send them.
	for _, idx := range []int{2, 0, 1} {
		start := idx * testChunkSize
		end := start + testChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		resp := f.postMultipart(t, "/api/v1/upload/chunk/"+uploadID, map[string]string{
			"chunk_number": fmt.Sprintf("%d", idx),
		}, "chunk", "blob", payload[start:end])
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(f.ts.URL + "/api/v1/upload/status/" + uploadID)
	require.NoError(t, err)
	status := decodeBody(t, resp)
	assert.Equal(t, true, status["is_complete"])

	resp = f.postMultipart(t, "/api/v1/upload/complete/"+uploadID, nil, "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeBody(t, resp)
	assert.Equal(t, "pending", done["status"])
	f.waitCompleted(t, done["analysis_id"].(string))

	// The finalized session is gone.
	resp = f.postMultipart(t, "/api/v1/upload/complete/"+uploadID, nil, "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// The assembled original streams back byte-identical.
	resp, err = http.Get(f.ts.URL + "/api/v1/files/" + done["analysis_id"].(string) + "/original")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	streamed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, streamed)
}

func TestSingleShotAnalyze(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postMultipart(t, "/api/v1/upload/analyze", nil, "file", "clip.mp4", []byte("tiny video payload"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeBody(t, resp)
	analysisID := accepted["analysis_id"].(string)
	assert.Equal(t, "processing", accepted["status"])
	assert.Contains(t, accepted["status_url"], "/api/v1/analysis/"+analysisID)

	f.waitCompleted(t, analysisID)

	resp, err := http.Get(f.ts.URL + "/api/v1/analysis/" + analysisID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody(t, resp)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, analysis.LabelRealCamera, doc["classification"])
	assert.InDelta(t, 0.9, doc["confidence"].(float64), 1e-9)

	progress := doc["progress"].(map[string]interface{})
	assert.EqualValues(t, 6, progress["total_steps"])
	assert.InDelta(t, 100.0, progress["progress_percentage"].(float64), 1e-9)

	files := doc["files"].(map[string]interface{})
	assert.Contains(t, files, "original")
	assert.Contains(t, files, "report")

	// The report artifact is valid JSON with the classification baked in.
	resp, err = http.Get(f.ts.URL + "/api/v1/files/" + analysisID + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, analysis.LabelRealCamera, report["classification"])
}

func TestUploadValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postMultipart(t, "/api/v1/upload/init", map[string]string{
		"filename":  "notes.txt",
		"file_size": "100",
	}, "", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.postMultipart(t, "/api/v1/upload/init", map[string]string{
		"filename":  "v.mp4",
		"file_size": "0",
	}, "", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.postMultipart(t, "/api/v1/upload/analyze", nil, "file", "malware.exe", []byte("nope"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestChunkIndexOutOfRange(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postMultipart(t, "/api/v1/upload/init", map[string]string{
		"filename":  "v.mp4",
		"file_size": "16",
	}, "", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	uploadID := decodeBody(t, resp)["upload_id"].(string)

	// total_chunks = 2, so index 2 is one past the end.
	resp = f.postMultipart(t, "/api/v1/upload/chunk/"+uploadID, map[string]string{
		"chunk_number": "2",
	}, "chunk", "blob", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.postMultipart(t, "/api/v1/upload/chunk/"+uuid.NewString(), map[string]string{
		"chunk_number": "0",
	}, "chunk", "blob", []byte("x"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListAnalysesPagination(t *testing.T) {
	f := newAPIFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		resp := f.postMultipart(t, "/api/v1/upload/analyze", nil, "file", fmt.Sprintf("v%d.mp4", i), []byte("payload"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		ids = append(ids, decodeBody(t, resp)["analysis_id"].(string))
	}
	for _, id := range ids {
		f.waitCompleted(t, id)
	}

	resp, err := http.Get(f.ts.URL + "/api/v1/analysis?page=1&page_size=2")
	require.NoError(t, err)
	doc := decodeBody(t, resp)
	assert.EqualValues(t, 3, doc["total"])
	assert.Len(t, doc["analyses"], 2)

	resp, err = http.Get(f.ts.URL + "/api/v1/analysis?status=completed")
	require.NoError(t, err)
	doc = decodeBody(t, resp)
	assert.EqualValues(t, 3, doc["total"])

	resp, err = http.Get(f.ts.URL + "/api/v1/analysis?status=failed")
	require.NoError(t, err)
	doc = decodeBody(t, resp)
	assert.EqualValues(t, 0, doc["total"])
}

func TestReprocess(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postMultipart(t, "/api/v1/upload/analyze", nil, "file", "v.mp4", []byte("payload"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["analysis_id"].(string)
	f.waitCompleted(t, id)

	resp, err := http.Post(f.ts.URL+"/api/v1/analysis/"+id+"/reprocess", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody(t, resp)
	assert.Equal(t, "pending", doc["status"])
	f.waitCompleted(t, id)

	resp, err = http.Post(f.ts.URL+"/api/v1/analysis/"+uuid.NewString()+"/reprocess", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetAnalysisNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/v1/analysis/" + uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/api/v1/analysis/not-a-uuid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/v1/health")
	require.NoError(t, err)
	doc := decodeBody(t, resp)
	assert.Equal(t, "ok", doc["status"])
}

func TestEventsWebsocket(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postMultipart(t, "/api/v1/upload/analyze", nil, "file", "v.mp4", []byte("payload"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["analysis_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/analysis/" + id + "/events"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	// Snapshots stream until the terminal one arrives, then the server
	// closes the feed.
	deadline := time.Now().Add(15 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var snapshot map[string]interface{}
		if err := conn.ReadJSON(&snapshot); err != nil {
			t.Fatalf("feed ended before a terminal snapshot: %v", err)
		}
		assert.Equal(t, id, snapshot["id"])
		if snapshot["status"] == "completed" {
			break
		}
	}
}
