// Load client: fires concurrent transcription uploads at a running service
// and reports latency and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"voxscribe-service/internal/audio"
	"voxscribe-service/internal/models"
)

type result struct {
	Status     int
	Duration   time.Duration
	Language   string
	TextLength int
	Err        error
}

func (r result) ok() bool { return r.Err == nil && r.Status == http.StatusOK }

type summary struct {
	Total      int
	Succeeded  int
	Failed     int
	Wall       time.Duration
	AvgLatency time.Duration
	// Concurrency is summed request time over wall time.
	Concurrency float64
	Throughput  float64
}

func summarize(results []result, wall time.Duration) summary {
	s := summary{Total: len(results), Wall: wall}
	var busy time.Duration
	for _, r := range results {
		if !r.ok() {
			s.Failed++
			continue
		}
		s.Succeeded++
		busy += r.Duration
	}
	if s.Succeeded > 0 {
		s.AvgLatency = busy / time.Duration(s.Succeeded)
	}
	if wall > 0 {
		s.Concurrency = busy.Seconds() / wall.Seconds()
		s.Throughput = float64(s.Succeeded) / wall.Seconds()
	}
	return s
}

type uploader struct {
	client   *http.Client
	baseURL  string
	token    string
	model    string
	segments bool
	filename string
	data     []byte
}

func (u *uploader) upload(ctx context.Context) result {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", u.filename)
	if err != nil {
		return result{Err: err}
	}
	fw.Write(u.data)
	mw.WriteField("model", u.model)
	mw.WriteField("return_segments", strconv.FormatBool(u.segments))
	if err := mw.Close(); err != nil {
		return result{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/transcribe", &body)
	if err != nil {
		return result{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return result{Duration: time.Since(start), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	r := result{Status: resp.StatusCode, Duration: time.Since(start)}
	if err != nil {
		r.Err = err
		return r
	}

	if resp.StatusCode != http.StatusOK {
		r.Err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		return r
	}
	var tr models.TranscriptionResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		r.Err = fmt.Errorf("decode response: %w", err)
		return r
	}
	r.Language = tr.Language
	r.TextLength = len(tr.Text)
	return r
}

func run(ctx context.Context, u *uploader, n int) ([]result, time.Duration) {
	results := make([]result, n)
	var g errgroup.Group
	start := time.Now()
	for i := range n {
		g.Go(func() error {
			results[i] = u.upload(ctx)
			return nil
		})
	}
	g.Wait()
	return results, time.Since(start)
}

func checkHealth(ctx context.Context, client *http.Client, baseURL string) (*models.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	var h models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func checkGRPCHealth(ctx context.Context, addr string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func main() {
	baseURL := flag.String("url", "http://localhost:8000", "API base URL")
	grpcAddr := flag.String("grpc", "", "gRPC health address to check first (e.g. localhost:50051)")
	file := flag.String("file", "", "Audio file to upload; a generated 2s tone WAV when empty")
	requests := flag.Int("requests", 5, "Number of concurrent requests")
	model := flag.String("model", "tiny", "Model identifier")
	token := flag.String("token", os.Getenv("VOXSCRIBE_API_KEY"), "API token")
	segments := flag.Bool("segments", false, "Request segments")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	u := &uploader{
		client:   &http.Client{},
		baseURL:  *baseURL,
		token:    *token,
		model:    *model,
		segments: *segments,
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read audio file: %v", err)
		}
		u.filename, u.data = filepath.Base(*file), data
	} else {
		data, err := audio.Tone(2*time.Second, 440)
		if err != nil {
			log.Fatalf("Failed to generate audio: %v", err)
		}
		u.filename, u.data = "tone.wav", data
	}

	if *grpcAddr != "" {
		st, err := checkGRPCHealth(ctx, *grpcAddr)
		if err != nil {
			log.Fatalf("gRPC health check failed: %v", err)
		}
		log.Printf("gRPC health: %s", st)
	}

	h, err := checkHealth(ctx, u.client, *baseURL)
	if err != nil {
		log.Fatalf("Health check failed, is the service running? %v", err)
	}
	log.Printf("Health: status=%s workers=%d queued=%d device=%s resident=%v",
		h.Status, h.WorkerPoolSize, h.Queued, h.Device, h.ResidentModelIdentifiers)

	log.Printf("Sending %d concurrent requests: file=%s (%d bytes) model=%s", *requests, u.filename, len(u.data), *model)
	results, wall := run(ctx, u, *requests)

	for i, r := range results {
		if r.ok() {
			log.Printf("Request %d: ok %.2fs language=%s chars=%d", i+1, r.Duration.Seconds(), r.Language, r.TextLength)
		} else {
			log.Printf("Request %d: failed %.2fs: %v", i+1, r.Duration.Seconds(), r.Err)
		}
	}

	s := summarize(results, wall)
	log.Printf("Total: %d  succeeded: %d  failed: %d  wall: %.2fs", s.Total, s.Succeeded, s.Failed, s.Wall.Seconds())
	if s.Succeeded > 0 {
		log.Printf("Average latency: %.2fs  concurrency: %.2fx  throughput: %.2f req/s",
			s.AvgLatency.Seconds(), s.Concurrency, s.Throughput)
	}
	if s.Failed > 0 {
		os.Exit(1)
	}
}
