package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"diwan/internal/config"
	"diwan/internal/db"
	"diwan/internal/engine"
	"diwan/internal/lifecycle"
	"diwan/internal/migrate"
	"diwan/internal/server"
)

func main() {
	workspace := "/tmp/diwan-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("diwan")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetActorRole(ctx, "tester", lifecycle.RoleAdmin, now); err != nil {
		panic(err)
	}
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := devLogin(ts.URL, "tester")

	body := map[string]any{
		"type":     "fatwa",
		"title":    "Smoke check",
		"question": "Does the pipeline work end to end?",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/cases", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}

func devLogin(baseURL, actorID string) string {
	b, _ := json.Marshal(map[string]any{"actor_id": actorID})
	res, err := http.Post(baseURL+"/v1/auth/dev/login", "application/json", bytes.NewReader(b))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		panic(err)
	}
	return out.Token
}
