package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// dialStatus mirrors the daemon's "dial_status" payload.
type dialStatus struct {
	Dial          int      `json:"dial"`
	Name          string   `json:"name"`
	VolumePercent int      `json:"volume_percent"`
	Muted         bool     `json:"muted"`
	Apps          []string `json:"apps"`
}

type healthStatus struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	RetryInMs int64  `json:"retry_in_ms,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3002/ws", "dialmixer status websocket URL")
		raw   = flag.Bool("raw", false, "Print every frame as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The daemon pings every 20s; answering keeps the read deadline fresh.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	w := &watcher{dials: make(map[int]dialStatus)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Printf("%s\n", message)
				continue
			}
			for _, line := range w.handle(message) {
				fmt.Println(line)
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// watcher tracks the last known state of every dial and turns frames into
// human-readable change lines.
type watcher struct {
	dials map[int]dialStatus
}

func (w *watcher) handle(message []byte) []string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return []string{fmt.Sprintf("[TEXT] %s", message)}
	}

	switch env.Type {
	case "state_init":
		var st struct {
			Dials []dialStatus `json:"dials"`
		}
		if err := json.Unmarshal(env.Data, &st); err != nil {
			return []string{fmt.Sprintf("[STATE] undecodable: %v", err)}
		}
		lines := make([]string, 0, len(st.Dials))
		for _, d := range st.Dials {
			w.dials[d.Dial] = d
			lines = append(lines, "[STATE] "+describe(d))
		}
		return lines

	case "dial_status":
		var d dialStatus
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return []string{fmt.Sprintf("[DIAL] undecodable: %v", err)}
		}
		return w.diff(d)

	case "health":
		var h healthStatus
		if err := json.Unmarshal(env.Data, &h); err != nil {
			return []string{fmt.Sprintf("[HEALTH] undecodable: %v", err)}
		}
		if h.Healthy {
			return []string{"[HEALTH] audio server connected"}
		}
		return []string{fmt.Sprintf("[HEALTH] audio server unavailable: %s (retry in %dms)", h.Error, h.RetryInMs)}

	default:
		return []string{fmt.Sprintf("[%s] %s", strings.ToUpper(env.Type), env.Data)}
	}
}

// diff reports only what changed since the last status of the same dial.
func (w *watcher) diff(d dialStatus) []string {
	prev, seen := w.dials[d.Dial]
	w.dials[d.Dial] = d
	if !seen {
		return []string{"[DIAL] " + describe(d)}
	}

	var lines []string
	if prev.VolumePercent != d.VolumePercent {
		lines = append(lines, fmt.Sprintf("[VOLUME] %s %d%% -> %d%%", d.Name, prev.VolumePercent, d.VolumePercent))
	}
	if prev.Muted != d.Muted {
		state := "UNMUTED"
		if d.Muted {
			state = "MUTED"
		}
		lines = append(lines, fmt.Sprintf("[MUTE] %s %s", d.Name, state))
	}
	if strings.Join(prev.Apps, ",") != strings.Join(d.Apps, ",") {
		lines = append(lines, fmt.Sprintf("[APPS] %s %v", d.Name, d.Apps))
	}
	return lines
}

func describe(d dialStatus) string {
	mute := ""
	if d.Muted {
		mute = " (muted)"
	}
	return fmt.Sprintf("#%d %s %d%%%s apps=%v", d.Dial, d.Name, d.VolumePercent, mute, d.Apps)
}
