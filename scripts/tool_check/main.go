package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"governance-core/internal/api"
	"governance-core/pkg/config"
)

// tool_check/main.go
//
// Drives the tool surface of a running governance core end to end:
// validate_trade, then (optionally) execute_trade, then the audit report
// and compliance metrics.
//
//	go run ./scripts/tool_check
//
// Environment (same as the server, plus):
//
//	TOOL_CHECK_EXECUTE  (default "false") execute the proposal if approved
//	CHECK_SYMBOL        (default "BTCUSDT")
//	CHECK_QUANTITY      (default "0.01")
//	CHECK_PRICE         (default "50000")

func main() {
	log.Println("=== Tool check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	c := &client{
		base: fmt.Sprintf("http://localhost:%s", cfg.Port),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	if cfg.JWTSecret != "" {
		c.token, err = api.IssueToken("tool-check", cfg.JWTSecret, 10*time.Minute)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
	}

	execute := getenv("TOOL_CHECK_EXECUTE", "false") == "true"
	trade := map[string]any{
		"symbol":     getenv("CHECK_SYMBOL", "BTCUSDT"),
		"action":     "buy",
		"quantity":   getenv("CHECK_QUANTITY", "0.01"),
		"price":      getenv("CHECK_PRICE", "50000"),
		"confidence": 0.9,
		"volatility": 0.1,
	}

	var decision map[string]any
	if err := c.post("/api/tools/validate_trade", trade, &decision); err != nil {
		log.Fatalf("[VALIDATE] %v", err)
	}
	log.Printf("[VALIDATE] proposal=%v approved=%v violations=%v",
		decision["proposal_id"], decision["approved"], decision["violations"])

	if execute && decision["approved"] == true {
		var result map[string]any
		err := c.post("/api/tools/execute_trade", map[string]any{
			"proposal_id": decision["proposal_id"],
			"decision":    decision,
		}, &result)
		if err != nil {
			log.Fatalf("[EXECUTE] %v", err)
		}
		log.Printf("[EXECUTE] status=%v version=%v->%v reason=%v",
			result["status"], result["portfolio_version_before"], result["portfolio_version_after"], result["reason"])
	} else {
		log.Println("[EXECUTE] skipped")
	}

	var report struct {
		Count int `json:"count"`
	}
	if err := c.get("/api/audit/report?limit=1000", &report); err != nil {
		log.Printf("[AUDIT] report error: %v", err)
	} else {
		log.Printf("[AUDIT] events=%d", report.Count)
	}

	var metrics map[string]any
	if err := c.get("/api/audit/metrics", &metrics); err != nil {
		log.Printf("[AUDIT] metrics error: %v", err)
	} else {
		log.Printf("[AUDIT] approval_rate=%v execution_success_rate=%v",
			metrics["approval_rate"], metrics["execution_success_rate"])
	}

	log.Println("=== Tool check finished ===")
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
