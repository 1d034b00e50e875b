// Package main provides a deliberately unreliable backend for exercising the
// relay. It echoes request details as JSON, can return arbitrary status
// codes, inject failures and latency at a configurable rate, and serves a
// minimal cable-style WebSocket endpoint that confirms subscriptions and
// echoes published messages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// failRate and delayMs are adjustable at runtime via /__chaos.
var (
	failRate atomic.Int64 // percent of requests answered with 500
	delayMs  atomic.Int64 // added latency per request
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	initialFail := flag.Int("fail-rate", 0, "initial failure rate in percent")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	failRate.Store(int64(*initialFail))

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__chaos?fail_rate=50&delay_ms=200 adjusts the failure injection.
	http.HandleFunc("/__chaos", func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("fail_rate"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
				failRate.Store(int64(n))
			}
		}
		if v := r.URL.Query().Get("delay_ms"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				delayMs.Store(int64(n))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fail_rate": failRate.Load(),
			"delay_ms":  delayMs.Load(),
		})
	})

	http.HandleFunc("/cable", cableHandler(*name))

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if d := delayMs.Load(); d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
		if rate := failRate.Load(); rate > 0 && rand.Int64N(100) < rate {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"error":   "injected failure",
			})
			return
		}

		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail_rate=%d%%)", *name, addr, failRate.Load())
	log.Fatal(http.ListenAndServe(addr, nil))
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// cableHandler upgrades to WebSocket and speaks just enough of the cable
// protocol for the relay's pool: welcome on connect, confirm_subscription
// for subscribes, and echo of published messages back on their channel.
func cableHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		c.WriteJSON(map[string]string{"type": "welcome"})

		for {
			var frame struct {
				Command    string `json:"command"`
				Identifier string `json:"identifier"`
				Data       string `json:"data"`
			}
			if err := c.ReadJSON(&frame); err != nil {
				return
			}

			switch frame.Command {
			case "subscribe":
				c.WriteJSON(map[string]string{
					"type":       "confirm_subscription",
					"identifier": frame.Identifier,
				})
			case "unsubscribe":
				// nothing to do
			case "message":
				data := json.RawMessage(frame.Data)
				if !json.Valid(data) {
					data, _ = json.Marshal(frame.Data)
				}
				c.WriteJSON(map[string]interface{}{
					"identifier": frame.Identifier,
					"message": map[string]interface{}{
						"service": name,
						"echo":    data,
					},
				})
			}
		}
	}
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
