// Package server runs an engine.Engine behind the stdio protocol. Engine
// bridge binaries call Serve with their stdin and stdout.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/runner/protocol"
)

// Exit reasons reported in the EXIT message.
const (
	ReasonStdinClosed = "stdin_closed"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// Config describes the bridge announced in READY.
type Config struct {
	// Name identifies the engine behind the bridge, e.g. "local".
	Name     string
	Metadata map[string]string
	Logger   zerolog.Logger
}

// Server answers protocol commands with an engine.
type Server struct {
	engine   engine.Engine
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	cfg      Config
	logger   zerolog.Logger
	commands int
}

// New creates a server reading commands from in and writing to out.
func New(eng engine.Engine, in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "engine"
	}
	return &Server{
		engine:  eng,
		encoder: protocol.NewEncoder(out),
		decoder: protocol.NewDecoder(in),
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "engine-server").Logger(),
	}
}

// Serve announces READY and answers commands until the input closes or ctx
// is cancelled, then sends EXIT. A malformed line is answered with an ERROR
// and serving continues.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.sendReady(); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	type decoded struct {
		msg *protocol.Message
		err error
	}
	lines := make(chan decoded)
	go func() {
		for {
			msg, err := s.decoder.Decode()
			select {
			case lines <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrBrokenStream) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return s.exit(ReasonCancelled, 0)
		case d := <-lines:
			if errors.Is(d.err, io.EOF) {
				return s.exit(ReasonStdinClosed, 0)
			}
			if errors.Is(d.err, protocol.ErrBrokenStream) {
				s.logger.Error().Err(d.err).Msg("cannot read commands")
				return s.exit(ReasonError, 1)
			}
			if d.err != nil {
				s.logger.Warn().Err(d.err).Msg("malformed protocol line")
				if err := s.encoder.EncodeError(&protocol.ErrorMessage{
					Code:    protocol.CodeBadCommand,
					Message: d.err.Error(),
				}); err != nil {
					return s.exit(ReasonError, 1)
				}
				continue
			}
			if err := s.handle(ctx, d.msg); err != nil {
				s.logger.Error().Err(err).Msg("failed to write response")
				return s.exit(ReasonError, 1)
			}
		}
	}
}

func (s *Server) sendReady() error {
	meta := map[string]string{}
	for k, v := range s.cfg.Metadata {
		meta[k] = v
	}
	return s.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  protocol.Version,
		Engine:   s.cfg.Name,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeExecute): true,
			string(protocol.CommandTypeQuery):   true,
		},
		Metadata: meta,
	})
}

// handle answers one message. Only write failures are returned.
func (s *Server) handle(ctx context.Context, msg *protocol.Message) error {
	if msg.Type != protocol.MessageTypeCommand {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			Code:    protocol.CodeBadCommand,
			Message: fmt.Sprintf("expected CMD message, got %s", msg.Type),
		})
	}
	var cmd protocol.CommandMessage
	if err := protocol.ParseParams(msg.Data, &cmd); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadCommand, Message: err.Error()})
	}
	if err := cmd.Validate(); err != nil {
		code := protocol.CodeBadCommand
		if cmd.Type != "" && cmd.Type.Validate() != nil {
			code = protocol.CodeUnsupported
		}
		return s.encoder.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: code, Message: err.Error()})
	}

	s.commands++
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()
	cmdCtx = protocol.WithEventSink(cmdCtx, func(evt *protocol.EventMessage) {
		evt.CommandID = cmd.ID
		if err := s.encoder.EncodeEvent(evt); err != nil {
			s.logger.Debug().Err(err).Msg("dropped event")
		}
	})

	start := time.Now()
	result, err := s.dispatch(cmdCtx, &cmd)
	duration := time.Since(start).Seconds()

	log := s.logger.With().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Float64("duration", duration).Logger()
	if err != nil {
		code := protocol.CodeFailed
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			code = protocol.CodeTimeout
		}
		log.Warn().Err(err).Str("code", code).Msg("command failed")
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
			Retryable: code == protocol.CodeTimeout,
		})
	}

	log.Debug().Msg("command done")
	return s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

func (s *Server) dispatch(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExecute:
		var params protocol.ExecuteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := s.engine.Execute(ctx, params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeQuery:
		var params protocol.QueryParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := s.engine.Query(ctx, params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (s *Server) exit(reason string, code int) error {
	s.logger.Debug().Str("reason", reason).Int("commands", s.commands).Msg("engine server exiting")
	err := s.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.commands,
	})
	if code != 0 {
		return fmt.Errorf("engine server stopped: %s", reason)
	}
	return err
}
