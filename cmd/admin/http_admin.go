package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "farmerd base url")
	_ = fs.Parse(args)
	os.Exit(adminRequest(http.MethodGet, *baseURL, "/admin/v1/state", 5*time.Second))
}

// plotsCmd lists the plots a player owns or co-ops on a running farmerd.
func plotsCmd(args []string) {
	fs := flag.NewFlagSet("plots", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "farmerd base url")
	member := fs.String("member", "", "player uuid")
	_ = fs.Parse(args)
	if strings.TrimSpace(*member) == "" {
		fmt.Fprintln(os.Stderr, "plots: -member is required")
		os.Exit(2)
	}
	q := url.Values{"member": {strings.TrimSpace(*member)}}
	os.Exit(adminRequest(http.MethodGet, *baseURL, "/admin/v1/plots?"+q.Encode(), 5*time.Second))
}

// snapshotCmd asks a running farmerd for a snapshot. Use export for a
// stopped server.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "farmerd base url")
	_ = fs.Parse(args)
	os.Exit(adminRequest(http.MethodPost, *baseURL, "/admin/v1/snapshot", 10*time.Second))
}

func adminRequest(method, baseURL, path string, timeout time.Duration) int {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 2
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return 1
	}
	return 0
}
