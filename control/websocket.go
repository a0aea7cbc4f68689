package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/xid"

	"pipelined.dev/live/config"
)

// Command is the name of a websocket command.
type Command string

// Websocket commands.
const (
	GetStatus      Command = "GetStatus"
	GetState       Command = "GetState"
	GetBufferLevel Command = "GetBufferLevel"
	GetVolume      Command = "GetVolume"
	SetVolume      Command = "SetVolume"
	Start          Command = "Start"
	Stop           Command = "Stop"
	Pause          Command = "Pause"
	Resume         Command = "Resume"
	Reload         Command = "Reload"
	SetConfig      Command = "SetConfig"
)

// ErrUnknownCommand is returned for commands the server doesn't support.
var ErrUnknownCommand = errors.New("unknown command")

type (
	// Request is a single websocket command. Only the fields of the
	// command are set.
	Request struct {
		ID      string  `json:"id,omitempty"`
		Command Command `json:"command"`
		Volume  float64 `json:"volume,omitempty"`
		Mute    bool    `json:"mute,omitempty"`
		// Config is the YAML text of SetConfig.
		Config string `json:"config,omitempty"`
	}

	// Response is sent for every request.
	Response struct {
		ID      string  `json:"id,omitempty"`
		Command Command `json:"command"`
		OK      bool    `json:"ok"`
		Error   string  `json:"error,omitempty"`
		Result  any     `json:"result,omitempty"`
	}

	// VolumeResult is the result of GetVolume.
	VolumeResult struct {
		Volume float64 `json:"volume"`
		Mute   bool    `json:"mute"`
	}
)

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.conns.Add(1)
	defer s.conns.Done()
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket accept failed")
		return
	}

	logger := s.logger.WithField("session", xid.New().String())
	logger.WithField("remote", r.RemoteAddr).Debug("websocket session started")
	err = s.session(r.Context(), conn)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
		logger.Debug("websocket session closed")
	default:
		if errors.Is(err, context.Canceled) {
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			logger.Debug("websocket session cancelled")
			return
		}
		conn.Close(websocket.StatusInternalError, "")
		logger.WithError(err).Warn("websocket session failed")
	}
}

// session serves requests of a single connection until it's closed.
func (s *Server) session(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var resp Response
		if typ != websocket.MessageText {
			resp.Error = "binary messages are not supported"
		} else {
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				resp.Error = fmt.Sprintf("invalid request: %v", err)
			} else {
				resp = s.execute(ctx, req)
			}
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return err
		}
	}
}

// execute runs the command and builds the response.
func (s *Server) execute(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	resp := Response{ID: req.ID, Command: req.Command}
	result, err := s.dispatch(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		s.logger.WithError(err).WithField("command", req.Command).Debug("command failed")
		return resp
	}
	resp.OK = true
	resp.Result = result
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case GetStatus:
		return s.ctl.Status(), nil
	case GetState:
		return s.ctl.State(), nil
	case GetBufferLevel:
		return s.ctl.Status().BufferLevel, nil
	case GetVolume:
		db, mute := s.ctl.Volume()
		return VolumeResult{Volume: db, Mute: mute}, nil
	case SetVolume:
		return nil, s.ctl.SetVolume(ctx, req.Volume, req.Mute)
	case Start:
		return nil, s.ctl.Start(ctx)
	case Stop:
		return nil, s.ctl.Stop(ctx)
	case Pause:
		return nil, s.ctl.Pause(ctx)
	case Resume:
		return nil, s.ctl.Resume(ctx)
	case Reload:
		if s.reload == nil {
			return nil, ErrReloadUnavailable
		}
		cfg, err := s.reload()
		if err != nil {
			return nil, err
		}
		return nil, s.ctl.Apply(ctx, cfg)
	case SetConfig:
		cfg, err := config.LoadFromReader(strings.NewReader(req.Config))
		if err != nil {
			return nil, err
		}
		return nil, s.ctl.Apply(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
}
