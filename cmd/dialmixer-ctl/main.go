package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
)

// ============================================================================
// dialmixer-ctl - Command-line IPC Client
// ============================================================================
// Sends commands to the dialmixer daemon over its Unix socket.
//
// Usage:
//   dialmixer-ctl step Music +5
//   dialmixer-ctl mute 1
//   dialmixer-ctl set-volume Browser 80
//   dialmixer-ctl set-mute Voice off
//   dialmixer-ctl status
//
// A dial is given by index or by category name.
// ============================================================================

const defaultSocketPath = "/tmp/dialmixer.sock"

// request is the envelope the daemon expects on each line.
type request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type dialStatus struct {
	Dial          int      `json:"dial"`
	Name          string   `json:"name"`
	VolumePercent int      `json:"volume_percent"`
	Muted         bool     `json:"muted"`
	Apps          []string `json:"apps"`
}

// response represents the daemon's response
type response struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Dials  []dialStatus `json:"dials,omitempty"`
}

func main() {
	socketPath := defaultSocketPath

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(0)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if req.Type == "status" {
		printStatus(resp.Dials)
		return
	}
	fmt.Println("ok")
}

// buildRequest turns command-line arguments into a daemon request.
func buildRequest(args []string) (request, error) {
	if len(args) == 0 {
		return request{}, errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "status":
		return request{Type: "status"}, nil

	case "step":
		if len(rest) < 2 {
			return request{}, errors.New("step requires a dial and a step count")
		}
		steps, err := strconv.Atoi(rest[1])
		if err != nil {
			return request{}, fmt.Errorf("invalid step count %q", rest[1])
		}
		return withDial("dial_step", rest[0], map[string]any{"steps": steps})

	case "up", "down":
		if len(rest) < 1 {
			return request{}, fmt.Errorf("%s requires a dial", cmd)
		}
		steps := 1
		if cmd == "down" {
			steps = -1
		}
		return withDial("dial_step", rest[0], map[string]any{"steps": steps})

	case "mute", "toggle-mute":
		if len(rest) < 1 {
			return request{}, fmt.Errorf("%s requires a dial", cmd)
		}
		return withDial("dial_toggle_mute", rest[0], map[string]any{})

	case "set-volume", "set":
		if len(rest) < 2 {
			return request{}, errors.New("set-volume requires a dial and a percent")
		}
		percent, err := strconv.Atoi(rest[1])
		if err != nil {
			return request{}, fmt.Errorf("invalid percent %q", rest[1])
		}
		return withDial("dial_set_volume", rest[0], map[string]any{"percent": percent})

	case "set-mute":
		if len(rest) < 2 {
			return request{}, errors.New("set-mute requires a dial and on/off")
		}
		var muted bool
		switch rest[1] {
		case "on", "true", "1":
			muted = true
		case "off", "false", "0":
			muted = false
		default:
			return request{}, fmt.Errorf("invalid mute value %q (want on/off)", rest[1])
		}
		return withDial("dial_set_mute", rest[0], map[string]any{"muted": muted})

	default:
		return request{}, fmt.Errorf("unknown command: %s", cmd)
	}
}

// withDial adds the dial reference to data. Numeric arguments address a dial
// by index, anything else by category name.
func withDial(typ, dial string, data map[string]any) (request, error) {
	if idx, err := strconv.Atoi(dial); err == nil {
		data["dial"] = idx
	} else {
		data["name"] = dial
	}
	b, err := json.Marshal(data)
	if err != nil {
		return request{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return request{Type: typ, Data: b}, nil
}

func send(socketPath string, req request) (response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return response{}, fmt.Errorf("send request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return response{}, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printStatus(dials []dialStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIAL\tNAME\tVOLUME\tMUTED\tAPPS")
	for _, d := range dials {
		fmt.Fprintf(w, "%d\t%s\t%d%%\t%t\t%v\n", d.Dial, d.Name, d.VolumePercent, d.Muted, d.Apps)
	}
	_ = w.Flush()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `dialmixer-ctl - Control the dialmixer daemon via IPC

Usage:
  dialmixer-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s)

Commands:
  step <dial> <n>              Turn a dial by n steps (negative turns down)
  up <dial>, down <dial>       Turn a dial by one step
  mute, toggle-mute <dial>     Toggle a dial's mute
  set-volume, set <dial> <%%>   Set a dial's volume in percent
  set-mute <dial> <on|off>     Set a dial's mute explicitly
  status                       Show every dial
  help, -h, --help             Show this help message

A dial is a zero-based index or a category name.

Examples:
  dialmixer-ctl step Music +5
  dialmixer-ctl set-volume 0 80
  dialmixer-ctl -socket /run/user/1000/dialmixer.sock status
`, defaultSocketPath)
}
