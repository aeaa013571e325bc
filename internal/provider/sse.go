package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// postJSON sends body to url and returns the response when the status is 200.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// pumpSSE reads "data:" lines from body and hands each payload to decode.
// decode returns the chunk to forward (nil to skip) and whether the stream
// finished. Read failures and an unterminated stream surface as an Err chunk.
func pumpSSE(ctx context.Context, body io.ReadCloser, ch chan<- *StreamChunk, decode func(data string) (*StreamChunk, bool)) {
	defer close(ch)
	defer body.Close()

	send := func(c *StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finished := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		chunk, done := decode(data)
		if chunk != nil {
			if chunk.FinishReason != "" {
				finished = true
			}
			if !send(chunk) {
				return
			}
		}
		if done {
			return
		}
	}

	err := scanner.Err()
	if err == nil && finished {
		send(&StreamChunk{Done: true})
		return
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	send(&StreamChunk{Err: fmt.Errorf("read stream: %w", err)})
}
