package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server liveness and readiness",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := newClient()

	live, err := probe(client, "/livez")
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	ready, err := probe(client, "/readyz")
	if err != nil {
		ready = "unknown"
	}

	if outputFmt == "json" || outputFmt == "yaml" {
		return printOutput(map[string]string{
			"liveness":  live,
			"readiness": ready,
		})
	}

	printTable([]string{"check", "status"}, [][]string{
		{"Liveness", live},
		{"Readiness", ready},
	})
	return nil
}

func probe(client *custodyClient, path string) (string, error) {
	resp, err := client.http.Get(client.baseURL + path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return "ok", nil
	}
	return fmt.Sprintf("failing (%d)", resp.StatusCode), nil
}
