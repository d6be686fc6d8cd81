package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"governance-core/internal/market"
	"governance-core/pkg/config"
	"governance-core/pkg/db"
)

// health_check/main.go
//
// Checks that the governance core can run on this host:
// configuration, database schema, price source and the running API.
//
//	go run ./scripts/health_check [--json]

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

var requiredTables = []string{
	"risk_policies",
	"portfolio_state",
	"positions",
	"executions",
	"proposals",
	"compliance_events",
	"alert_rules",
}

func main() {
	fmt.Println("Governance Core Health Check")
	fmt.Println("============================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	report := HealthReport{Overall: "HEALTHY"}
	if err != nil {
		report.Services = append(report.Services, HealthStatus{
			Service:   "Configuration",
			Status:    "UNHEALTHY",
			Message:   fmt.Sprintf("Failed to load: %v", err),
			Timestamp: time.Now(),
		})
	} else {
		report.Services = append(report.Services,
			checkConfig(cfg),
			checkDatabase(ctx, cfg),
			checkPriceSource(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkConfig(cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Configuration", Status: "HEALTHY", Timestamp: time.Now()}
	var notes []string
	if cfg.JWTSecret == "" {
		status.Status = "DEGRADED"
		notes = append(notes, "JWT_SECRET empty, API unauthenticated")
	}
	if cfg.RiskPolicyPath != "" {
		if _, err := os.Stat(cfg.RiskPolicyPath); err != nil {
			status.Status = "UNHEALTHY"
			notes = append(notes, fmt.Sprintf("policy file: %v", err))
		}
	}
	notes = append(notes, fmt.Sprintf("Port=%s PriceSource=%s", cfg.Port, cfg.PriceSource))
	status.Message = strings.Join(notes, "; ")
	return status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Database", Status: "HEALTHY", Timestamp: time.Now()}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Ping failed: %v", err)
		return status
	}

	var missing []string
	for _, table := range requiredTables {
		var name string
		err := database.DB.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("Missing tables (run the server once to migrate): %s", strings.Join(missing, ", "))
		return status
	}

	var events int
	_ = database.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM compliance_events").Scan(&events)
	status.Message = fmt.Sprintf("Connected, %d compliance events", events)
	return status
}

func checkPriceSource(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "Price Source", Status: "HEALTHY", Timestamp: time.Now()}

	var src market.PriceSource
	symbol := "BTCUSDT"
	switch cfg.PriceSource {
	case "binance":
		src = market.NewBinanceSource(cfg.BinanceBaseURL)
	default:
		src = market.NewMockSource(cfg.MockPrices)
		for sym := range cfg.MockPrices {
			symbol = sym
			break
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, cfg.PriceFetchTimeout)
	defer cancel()
	q, err := src.GetPrice(fetchCtx, symbol)
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("%s %s: %v", cfg.PriceSource, symbol, err)
		return status
	}
	status.Message = fmt.Sprintf("%s %s=%.4f", cfg.PriceSource, q.Symbol, q.Price)
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{Service: "API Server", Status: "HEALTHY", Timestamp: time.Now()}

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	var body struct {
		Version string `json:"version"`
		Policy  string `json:"policy"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	status.Message = fmt.Sprintf("Running version=%s policy=%s", body.Version, body.Policy)
	return status
}
