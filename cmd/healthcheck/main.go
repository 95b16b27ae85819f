// Package main provides the container healthcheck probe for the custody
// server. It GETs the given endpoint (normally /livez or /readyz) and exits
// 0 on a 2xx response, 1 otherwise.
// Usage: healthcheck http://localhost:8080/readyz
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: healthcheck <url>\n")
		fmt.Fprintf(os.Stderr, "example: healthcheck http://localhost:8080/readyz\n")
		os.Exit(1)
	}

	endpoint := os.Args[1]
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "custody server probe failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "custody server probe failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
}
