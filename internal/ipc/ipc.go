// Package ipc is the local control channel between voxmail and voxmail-ctl:
// one JSON request and one JSON reply per unix socket connection.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

const DefaultSocketPath = "/tmp/voxmail.sock"

type ControlMessage struct {
	Cmd string `json:"cmd"`
}

type ControlReply struct {
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type Handler func(ControlMessage) ControlReply

type Server struct {
	ln     net.Listener
	path   string
	logger *slog.Logger
}

// StartServer listens on path, replacing a stale socket file, and serves
// handler in the background until Close.
func StartServer(path string, handler Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{ln: ln, path: path, logger: logger.With("component", "ipc")}
	go s.serve(handler)
	s.logger.Info("Control socket listening", "path", path)
	return s, nil
}

func (s *Server) serve(handler Handler) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", "err", err)
			continue
		}
		go s.handleConn(conn, handler)
	}
}

func (s *Server) handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		s.logger.Warn("Bad control message", "err", err)
		_ = json.NewEncoder(conn).Encode(ControlReply{Error: "malformed request"})
		return
	}

	s.logger.Debug("Control command", "cmd", msg.Cmd)
	if err := json.NewEncoder(conn).Encode(handler(msg)); err != nil {
		s.logger.Warn("Failed to write control reply", "err", err)
	}
}

func (s *Server) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.path)
	return err
}

// SendCommand sends cmd to the daemon listening on path and waits for its reply.
func SendCommand(ctx context.Context, path, cmd string) (ControlReply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return ControlReply{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(ControlMessage{Cmd: cmd}); err != nil {
		return ControlReply{}, fmt.Errorf("send: %w", err)
	}

	var reply ControlReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return ControlReply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}
