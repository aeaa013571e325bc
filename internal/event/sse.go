package event

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Keepalive intervals for an SSE connection. Idle fires when nothing was
// written for that long; Forced fires at least that often even while events
// are flowing.
type Keepalive struct {
	Idle   time.Duration
	Forced time.Duration
}

// ServeSSE streams s to w starting after seq `after`. It returns nil once the
// run.end of runID has been written, or the context error when the client
// goes away. An empty runID stops at the first run.end.
func ServeSSE(ctx context.Context, w http.ResponseWriter, s *Stream, after int64, runID string, ka Keepalive) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}
	if ka.Idle <= 0 {
		ka.Idle = 15 * time.Second
	}
	if ka.Forced <= ka.Idle {
		ka.Forced = 3 * ka.Idle
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	tick := ka.Idle / 3
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastWrite := time.Now()
	lastPing := lastWrite
	ping := func(now time.Time) error {
		if now.Sub(lastWrite) < ka.Idle && now.Sub(lastPing) < ka.Forced {
			return nil
		}
		if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		lastWrite, lastPing = now, now
		return nil
	}

	cursor := after
	for {
		events, wait, gap := s.Since(cursor)
		if gap {
			if _, err := io.WriteString(w, ": events dropped from replay buffer\n\n"); err != nil {
				return err
			}
		}
		ended := false
		for _, ev := range events {
			if err := WriteFrame(w, ev); err != nil {
				return err
			}
			cursor = ev.Seq
			if ev.Type == RunEnd && (runID == "" || RunIDOf(ev) == runID) {
				ended = true
				break
			}
		}
		if len(events) > 0 {
			flusher.Flush()
			lastWrite = time.Now()
		}
		if ended {
			return nil
		}
		if err := ping(time.Now()); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		case now := <-ticker.C:
			if err := ping(now); err != nil {
				return err
			}
		}
	}
}

// WriteFrame writes one event as an SSE frame.
func WriteFrame(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// Frame is one decoded SSE frame. Comment frames (keepalives) have Comment set.
type Frame struct {
	ID      int64
	Event   string
	Data    string
	Comment string
}

// Decode reads SSE frames from r until EOF or until fn returns an error.
// io.EOF from fn stops decoding without error.
func Decode(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var f Frame
	var data []string
	dispatch := func() error {
		if f.Event == "" && len(data) == 0 && f.Comment == "" {
			return nil
		}
		f.Data = strings.Join(data, "\n")
		err := fn(f)
		f, data = Frame{}, nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		var err error
		switch {
		case line == "":
			err = dispatch()
		case strings.HasPrefix(line, ":"):
			f.Comment = strings.TrimSpace(strings.TrimPrefix(line, ":"))
		case strings.HasPrefix(line, "id:"):
			f.ID, _ = strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64)
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := dispatch(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
