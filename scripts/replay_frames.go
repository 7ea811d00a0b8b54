package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// frameLine кадр из файла записи; остальные поля передаются как есть.
type frameLine struct {
	DeviceID  string    `json:"device_id"`
	FrameID   int64     `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
}

type result struct {
	sent, failed, busy, violations int
}

func main() {
	var (
		serviceURL = flag.String("url", "http://localhost:8080", "violation service base URL")
		token      = flag.String("token", os.Getenv("VIOLATION_TOKEN"), "bearer token (DEVICE or OPERATOR role)")
		speed      = flag.Float64("speed", 1, "playback speed, 0 sends frames without pauses")
		sync       = flag.Bool("sync", false, "process frames synchronously and print detected violations")
		retime     = flag.Bool("retime", true, "shift frame timestamps to the current time")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: go run replay_frames.go [flags] <frames.jsonl>")
		fmt.Println("Example: go run replay_frames.go -token $TOKEN -speed 2 recording.jsonl")
		os.Exit(1)
	}
	if *token == "" {
		fmt.Println("Error: token is required (-token or VIOLATION_TOKEN)")
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Printf("Error opening recording: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	res, err := replay(f, *serviceURL, *token, *speed, *sync, *retime)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Printf("Sent: %d  Failed: %d  Busy: %d  Violations: %d\n", res.sent, res.failed, res.busy, res.violations)
	if err != nil || res.failed > 0 {
		os.Exit(1)
	}
}

func replay(r io.Reader, baseURL, token string, speed float64, syncMode, retime bool) (result, error) {
	var res result
	client := &http.Client{Timeout: 15 * time.Second}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)

	var first, startedAt time.Time
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var meta frameLine
		if err := json.Unmarshal(raw, &meta); err != nil {
			fmt.Printf("✗ line %d: invalid JSON: %v\n", line, err)
			res.failed++
			continue
		}
		if meta.DeviceID == "" {
			fmt.Printf("✗ line %d: device_id is missing\n", line)
			res.failed++
			continue
		}

		if first.IsZero() {
			first, startedAt = meta.Timestamp, time.Now()
		}
		if speed > 0 && !meta.Timestamp.IsZero() {
			due := time.Duration(float64(meta.Timestamp.Sub(first)) / speed)
			if wait := due - time.Since(startedAt); wait > 0 {
				time.Sleep(wait)
			}
		}

		body := raw
		if retime && !meta.Timestamp.IsZero() {
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(raw, &doc); err == nil {
				shifted := startedAt.Add(meta.Timestamp.Sub(first)).UTC()
				ts, _ := json.Marshal(shifted)
				doc["timestamp"] = ts
				body, _ = json.Marshal(doc)
			}
		}

		status, respBody, err := post(client, baseURL, token, meta.DeviceID, body, syncMode)
		switch {
		case err != nil:
			fmt.Printf("✗ %s frame %d: %v\n", meta.DeviceID, meta.FrameID, err)
			res.failed++
		case status == http.StatusTooManyRequests:
			fmt.Printf("⊘ %s frame %d: device queue is full\n", meta.DeviceID, meta.FrameID)
			res.busy++
		case status >= 300:
			fmt.Printf("✗ %s frame %d: status %d: %s\n", meta.DeviceID, meta.FrameID, status, strings.TrimSpace(string(respBody)))
			res.failed++
		default:
			res.sent++
			if syncMode {
				res.violations += printViolations(meta, respBody)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read recording: %w", err)
	}
	return res, nil
}

func post(client *http.Client, baseURL, token, deviceID string, body []byte, syncMode bool) (int, []byte, error) {
	endpoint := fmt.Sprintf("%s/api/v1/devices/%s/frames", strings.TrimRight(baseURL, "/"), url.PathEscape(deviceID))
	if syncMode {
		endpoint += "?sync=true"
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func printViolations(meta frameLine, body []byte) int {
	var resp struct {
		Data []struct {
			Type      string  `json:"type"`
			Severity  string  `json:"severity"`
			VehicleID string  `json:"vehicle_id"`
			Plate     string  `json:"plate"`
			Amount    float64 `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0
	}
	for _, v := range resp.Data {
		label := v.VehicleID
		if v.Plate != "" {
			label = v.Plate
		}
		fmt.Printf("✓ %s frame %d: %s (%s) %s amount=%.2f\n", meta.DeviceID, meta.FrameID, v.Type, v.Severity, label, v.Amount)
	}
	return len(resp.Data)
}
