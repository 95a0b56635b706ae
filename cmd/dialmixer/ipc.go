package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Lets dialmixer-ctl and scripts drive the dials.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "dial_step", "data": {"dial": 0, "steps": 5}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//   - "status" answers with {"status": "ok", "dials": [...]}
//
// A dial is addressed by "dial" (index) or "name" (category name).
// ============================================================================

type errUnknownCommand string

func (e errUnknownCommand) Error() string {
	return fmt.Sprintf("unknown command type: %q", string(e))
}

// IPCRequest is the envelope every client line is decoded into.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string       `json:"status"`          // "ok" or "error"
	Error  string       `json:"error,omitempty"` // error message if status == "error"
	Dials  []DialStatus `json:"dials,omitempty"` // only for "status"
}

type dialRef struct {
	Dial *int   `json:"dial,omitempty"`
	Name string `json:"name,omitempty"`
}

type dialStepData struct {
	dialRef
	Steps int `json:"steps"`
}

type dialSetVolumeData struct {
	dialRef
	Percent int `json:"percent"`
}

type dialSetMuteData struct {
	dialRef
	Muted bool `json:"muted"`
}

// dialController is what the IPC and websocket surfaces need from the coordinator.
type dialController interface {
	Submit(cmd Command) error
	ResolveDial(name string) (int, error)
	RequestSnapshot(ctx context.Context) ([]DialStatus, error)
}

func (r dialRef) resolve(ctrl dialController) (int, error) {
	switch {
	case r.Dial != nil:
		return *r.Dial, nil
	case r.Name != "":
		return ctrl.ResolveDial(r.Name)
	default:
		return 0, errors.New(`"dial" or "name" is required`)
	}
}

// decodeIPCCommand turns a non-status request into a coordinator command.
func decodeIPCCommand(req IPCRequest, ctrl dialController) (Command, error) {
	data := req.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch req.Type {
	case "dial_step":
		var d dialStepData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dial_step: %w", err)
		}
		idx, err := d.resolve(ctrl)
		if err != nil {
			return nil, err
		}
		return StepCommand{Dial: idx, Steps: d.Steps}, nil

	case "dial_toggle_mute":
		var d dialRef
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dial_toggle_mute: %w", err)
		}
		idx, err := d.resolve(ctrl)
		if err != nil {
			return nil, err
		}
		return ToggleMuteCommand{Dial: idx}, nil

	case "dial_set_volume":
		var d dialSetVolumeData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dial_set_volume: %w", err)
		}
		idx, err := d.resolve(ctrl)
		if err != nil {
			return nil, err
		}
		return SetVolumeCommand{Dial: idx, Percent: d.Percent}, nil

	case "dial_set_mute":
		var d dialSetMuteData
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dial_set_mute: %w", err)
		}
		idx, err := d.resolve(ctrl)
		if err != nil {
			return nil, err
		}
		return SetMuteCommand{Dial: idx, Muted: d.Muted}, nil

	default:
		return nil, errUnknownCommand(req.Type)
	}
}

// handleIPCLine executes one request line and returns the response.
func handleIPCLine(ctx context.Context, line []byte, ctrl dialController) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse request: %v", err)}
	}

	if req.Type == "status" {
		ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		defer cancel()
		dials, err := ctrl.RequestSnapshot(ctx)
		if err != nil {
			return IPCResponse{Status: "error", Error: err.Error()}
		}
		return IPCResponse{Status: "ok", Dials: dials}
	}

	cmd, err := decodeIPCCommand(req, ctrl)
	if err != nil {
		return IPCResponse{Status: "error", Error: err.Error()}
	}
	if err := ctrl.Submit(cmd); err != nil {
		return IPCResponse{Status: "error", Error: err.Error()}
	}
	return IPCResponse{Status: "ok"}
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, ctrl dialController, logger *slog.Logger) error {
	socketPath = ExpandPath(socketPath)

	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, ctrl, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, ctrl dialController, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := handleIPCLine(ctx, []byte(line), ctrl)
		if resp.Status != "ok" {
			logger.Warn("IPC request failed", "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}
