//go:build e2e

// Package smoke checks a running server end to end with its real providers.
package smoke

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-experts/internal/event"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("NUKA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// streamRun posts body to path and returns the event types of the run and
// the final message text.
func streamRun(t *testing.T, path string, body interface{}) (types []string, final string, threadID string) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, string(data))
	}

	err = event.Decode(resp.Body, func(f event.Frame) error {
		if f.Event == "" {
			return nil
		}
		types = append(types, f.Event)
		if f.Event == string(event.MessageDone) {
			var env struct {
				Data event.MessageDoneData `json:"data"`
			}
			_ = json.Unmarshal([]byte(f.Data), &env)
			final = env.Data.FullContent
		}
		if f.Event == string(event.RunEnd) {
			return io.EOF
		}
		return nil
	})
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	return types, final, resp.Header.Get("X-Thread-ID")
}

func TestExpertsListed(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/experts")
	if err != nil {
		t.Fatalf("GET /api/experts: %v", err)
	}
	defer resp.Body.Close()
	var experts []struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&experts); err != nil {
		t.Fatalf("decode experts: %v", err)
	}
	if len(experts) == 0 {
		t.Fatal("expected at least one planable expert")
	}
}

func TestPlainMessage(t *testing.T) {
	types, final, _ := streamRun(t, "/api/chat", map[string]string{"user_id": "smoke-test", "message": "Hi, who are you?"})
	if len(final) <= 10 {
		t.Errorf("expected meaningful response (len > 10), got %q (events %v)", final, types)
	}
	t.Logf("reply: %.300s", final)
}

func TestComplexMessageParksForReview(t *testing.T) {
	types, _, threadID := streamRun(t, "/api/chat", map[string]string{
		"user_id": "smoke-test",
		"message": "Research the trade-offs between PostgreSQL and MongoDB, then write a short report with a comparison table.",
	})
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, "human.interrupt") {
		t.Skipf("router answered directly: %s", joined)
	}

	types, final, _ := streamRun(t, "/api/resume", map[string]interface{}{"thread_id": threadID, "approved": true})
	joined = strings.Join(types, ",")
	if !strings.Contains(joined, "task.started") || final == "" {
		t.Errorf("expected tasks and a final answer, got %s", joined)
	}
	t.Logf("reply: %.300s", final)
}
