// Command healthcheck exits 0 when the local kisfolio server reports itself
// healthy and 1 otherwise. Container images run it as their HEALTHCHECK.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	healthPath   = "/api/v1/health"
	probeTimeout = 2 * time.Second
)

func main() {
	target := healthURL(os.Getenv("KISFOLIO_LISTEN_ADDR"))
	if err := probe(context.Background(), target); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck %s: %v\n", target, err)
		os.Exit(1)
	}
}

// healthURL derives the health endpoint from a listen address. Wildcard hosts
// are probed on loopback.
func healthURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host, port = "127.0.0.1", "8080"
	}

	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: healthPath}
	return u.String()
}

func probe(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("server reported status %q", body.Status)
	}

	return nil
}
