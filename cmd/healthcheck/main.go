// Command healthcheck probes the local recorder for container health checks.
// It exits non-zero unless the probe answers 200.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// probeURL builds the probe address from HTTP_ADDR (":8080" or "host:port")
// and HEALTHCHECK_PATH (default /healthz; /readyz also waits for reconciliation).
func probeURL() string {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	path := os.Getenv("HEALTHCHECK_PATH")
	if path == "" {
		path = "/healthz"
	}
	return "http://" + addr + path
}

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, probeURL(), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("healthcheck failed: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		log.Printf("healthcheck status %d", resp.StatusCode)
		os.Exit(1)
	}
}
