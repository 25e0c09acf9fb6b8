/*
Package turboserver is a dual-protocol request server: HTTP/1.1 with
keep-alive and pipelining, plus WebSocket sessions, sharing one port,
one route table, and one rate limiter.

Routes are registered against a typed-pattern router and dispatched in
one of two modes. Standard routes run the full lifecycle: before hooks,
the handler bridge, after hooks. Turbo routes skip all of that and call
the handler with nothing but the typed path captures; with a TTL they
are additionally served from a single-flight response cache that serves
stale entries while a background repopulation runs.

Quick start:

	package main

	import (
	    "github.com/searchktools/turbo-server/app"
	    "github.com/searchktools/turbo-server/config"
	    "github.com/searchktools/turbo-server/core/bridge"
	)

	func main() {
	    cfg, err := config.Load("")
	    if err != nil {
	        panic(err)
	    }
	    a, err := app.New(cfg)
	    if err != nil {
	        panic(err)
	    }

	    eng := a.Engine()
	    eng.GET("/hello", func(req *bridge.Request) (bridge.Result, error) {
	        return bridge.Text("Hello, World!"), nil
	    })

	    a.Run()
	}

The process model is multi-worker: N processes bind the same address
through SO_REUSEPORT and the kernel balances accepted connections. The
parent supervises and respawns workers that die. Within a worker every
connection gets a goroutine; handler execution is serialized through
the bridge by default and fully concurrent in free-threaded mode.

Modules:

  - app: process bootstrap, supervisor/worker role selection
  - config: defaults, YAML file, TURBO_* environment overrides
  - core: engine, connection loop, dispatch
  - core/router: typed patterns, conflict detection, frozen snapshot
  - core/cache: TTL response cache with a persistent tier
  - core/ratelimit: token buckets shared by HTTP and WebSocket
  - core/bridge: handler boundary and execution serialization
  - core/websocket: RFC 6455 sessions, heartbeat, broadcast groups
  - core/middleware: before/after hook chain
  - core/pools: buffer and worker pools, GC tuning
  - core/worker: SO_REUSEPORT listeners and the supervisor
*/
package turboserver
