package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	os.Exit(doRequest(http.MethodGet, endpoint(*baseURL, "/admin/v1/state"), nil, 5*time.Second))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	os.Exit(doRequest(http.MethodPost, endpoint(*baseURL, "/admin/v1/snapshot"), nil, 10*time.Second))
}

func maintenanceCmd(args []string) {
	fs := flag.NewFlagSet("maintenance", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	ctrl := fs.String("controller", "", "controller id")
	on := fs.Bool("on", true, "enter (true) or leave (false) maintenance mode")
	_ = fs.Parse(args)

	if strings.TrimSpace(*ctrl) == "" {
		fmt.Fprintln(os.Stderr, "missing -controller")
		os.Exit(2)
	}
	body, _ := json.Marshal(map[string]any{"controller": *ctrl, "on": *on})
	os.Exit(doRequest(http.MethodPost, endpoint(*baseURL, "/observer/v1/maintenance"), body, 5*time.Second))
}

func multiplierCmd(args []string) {
	fs := flag.NewFlagSet("multiplier", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	value := fs.Float64("set", 0, "new multiplier (omit to read the current one)")
	_ = fs.Parse(args)

	u := endpoint(*baseURL, "/observer/v1/multiplier")
	if *value == 0 {
		os.Exit(doRequest(http.MethodGet, u, nil, 5*time.Second))
	}
	body, _ := json.Marshal(map[string]any{"multiplier": *value})
	os.Exit(doRequest(http.MethodPost, u, body, 5*time.Second))
}

func endpoint(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

// doRequest prints the response body and returns the process exit code.
func doRequest(method, u string, body []byte, timeout time.Duration) int {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}
