package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
)

// Reap asks a running server to sweep expired presence entries now.
func Reap(cfg *config.Config) error {
	client := &http.Client{Timeout: 30 * time.Second}

	url := fmt.Sprintf("http://%s/admin/reap", cfg.AdminAddr)
	resp, err := client.Post(url, "application/json", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reap failed (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.ReapResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Cleaned %d stale presence entries.\n", result.Cleaned)
	return nil
}
