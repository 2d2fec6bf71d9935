// Command smoke-auth drives a running tracegate API through the full
// credential lifecycle: log in, mint an API key, export a span batch,
// rotate the refresh token, prove the old one is dead, log out and prove
// the whole session died with it.
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
)

func main() {
	log.SetFlags(0)

	base := os.Getenv("TRACEGATE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("TRACEGATE_ADMIN_EMAIL")
	if email == "" {
		email = "admin@tracegate.local"
	}
	password := os.Getenv("TRACEGATE_ADMIN_PASSWORD")
	if password == "" {
		log.Fatal("TRACEGATE_ADMIN_PASSWORD is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	// 1. Log in.
	var session struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	status := call(client, "POST", base+"/v1/auth/login", "",
		map[string]string{"email": email, "password": password}, &session)
	if status != http.StatusOK {
		log.Fatalf("login: status %d", status)
	}
	log.Println("login: ok")

	// 2. Mint an API key.
	var created struct {
		Key    string `json:"key"`
		APIKey struct {
			ID string `json:"id"`
		} `json:"api_key"`
	}
	status = call(client, "POST", base+"/v1/api-keys", session.AccessToken,
		map[string]string{"scope": "USER", "name": "smoke"}, &created)
	if status != http.StatusCreated {
		log.Fatalf("create api key: status %d", status)
	}
	log.Println("api key: ok")

	// 3. Export a span batch with the key.
	start := time.Now().UTC().Add(-time.Second)
	batch := map[string]any{
		"project": "smoke",
		"spans": []map[string]any{{
			"trace_id":    fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
			"span_id":     "s1",
			"name":        "llm.completion",
			"start_time":  start.Format(time.RFC3339Nano),
			"end_time":    start.Add(250 * time.Millisecond).Format(time.RFC3339Nano),
			"status_code": "OK",
		}},
	}
	var result struct {
		Accepted int `json:"accepted"`
	}
	status = call(client, "POST", base+"/v1/traces", created.Key, batch, &result)
	if status != http.StatusAccepted || result.Accepted != 1 {
		log.Fatalf("ingest: status %d accepted %d", status, result.Accepted)
	}
	log.Println("ingest: ok")

	// 4. Rotate the refresh token, then prove the consumed one is dead.
	var rotated struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	status = call(client, "POST", base+"/v1/auth/refresh", "",
		map[string]string{"refresh_token": session.RefreshToken}, &rotated)
	if status != http.StatusOK {
		log.Fatalf("refresh: status %d", status)
	}
	status = call(client, "POST", base+"/v1/auth/refresh", "",
		map[string]string{"refresh_token": session.RefreshToken}, nil)
	if status != http.StatusUnauthorized {
		log.Fatalf("refresh reuse: expected 401, got %d", status)
	}
	log.Println("rotation: ok")

	// 5. Log out and prove the rotated pair died with the family.
	status = call(client, "POST", base+"/v1/auth/logout", rotated.AccessToken, nil, nil)
	if status != http.StatusNoContent {
		log.Fatalf("logout: status %d", status)
	}
	status = call(client, "GET", base+"/v1/me", rotated.AccessToken, nil, nil)
	if status != http.StatusUnauthorized {
		log.Fatalf("access after logout: expected 401, got %d", status)
	}
	status = call(client, "POST", base+"/v1/auth/refresh", "",
		map[string]string{"refresh_token": rotated.RefreshToken}, nil)
	if status != http.StatusUnauthorized {
		log.Fatalf("refresh after logout: expected 401, got %d", status)
	}
	log.Println("logout: ok")

	log.Println("smoke-auth: all checks passed")
}

func call(client *http.Client, method, url, token string, body, out any) int {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}
