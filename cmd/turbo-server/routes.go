package main

import (
	"strings"
	"time"

	"github.com/searchktools/turbo-server/app"
	"github.com/searchktools/turbo-server/core/bridge"
	"github.com/searchktools/turbo-server/core/pools"
	"github.com/searchktools/turbo-server/core/router"
	"github.com/searchktools/turbo-server/core/websocket"
)

// registerRoutes installs the reference surface, one route per
// dispatch mode.
func registerRoutes(a *app.App, staticDir string) error {
	eng := a.Engine()

	ttl := a.TurboTTL()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	if err := eng.Static("/health", []byte("OK"), "text/plain"); err != nil {
		return err
	}

	if err := eng.Route("/echo", []string{"GET", "POST"}, func(req *bridge.Request) (bridge.Result, error) {
		return bridge.Value(map[string]any{
			"method": req.Method,
			"path":   req.Path,
			"query":  req.Query,
			"body":   string(req.Body),
		}), nil
	}); err != nil {
		return err
	}

	if err := eng.GET("/greet/<name>", func(req *bridge.Request) (bridge.Result, error) {
		name, _ := req.Params.Str("name")
		return bridge.Text("Hello, " + name + "!"), nil
	}); err != nil {
		return err
	}

	if err := eng.Turbo("/turbo/item/<int:id>", nil, func(params router.Params) (bridge.Result, error) {
		id, _ := params.Int("id")
		return bridge.Value(map[string]any{
			"id":           id,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		}), nil
	}, ttl); err != nil {
		return err
	}

	if err := eng.Compiled("/calc/add/<int:a>/<int:b>", map[string]any{
		"operation": "add",
		"result":    router.Add(router.P("a"), router.P("b")),
	}); err != nil {
		return err
	}

	if err := eng.GET("/stats", func(req *bridge.Request) (bridge.Result, error) {
		return bridge.Value(map[string]any{
			"engine":  eng.Stats(),
			"pool":    eng.PoolStats(),
			"runtime": pools.ReadRuntimeStats(),
		}), nil
	}); err != nil {
		return err
	}

	if err := eng.NativeWebSocket("/ws/echo", websocket.ModeEcho, websocket.Config{}); err != nil {
		return err
	}
	if err := eng.NativeWebSocket("/ws/chat", websocket.ModeBroadcast, websocket.Config{}); err != nil {
		return err
	}
	if err := eng.WebSocket("/ws/shout", func(s *websocket.Session, msg websocket.Message) (string, error) {
		return strings.ToUpper(msg.Text()), nil
	}, websocket.Config{}); err != nil {
		return err
	}

	if staticDir != "" {
		if err := eng.Files("/static", staticDir); err != nil {
			return err
		}
	}
	return nil
}
