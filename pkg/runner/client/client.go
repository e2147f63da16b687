// Package client drives an engine bridge process over the stdio protocol and
// exposes it as an engine.Engine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/engine"
	"github.com/openfroyo/rollout/pkg/runner/protocol"
)

// DefaultQueryTimeout bounds a query when ctx has no deadline.
const DefaultQueryTimeout = 120 * time.Second

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	StartupTimeout time.Duration

	// OnEvent receives progress events of the running command.
	OnEvent func(*protocol.EventMessage)

	Logger zerolog.Logger
}

// Client sends one command at a time to the bridge. The bridge is started on
// first use. A command abandoned through ctx leaves the stream out of step,
// so the bridge is stopped and restarted by the next command.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	sess   *session
	ready  *protocol.ReadyMessage
	closed bool
}

type session struct {
	stdin   io.WriteCloser
	encoder *protocol.Encoder
	msgs    chan decoded
	done    chan struct{}
}

type decoded struct {
	msg *protocol.Message
	err error
}

var _ engine.Engine = (*Client)(nil)

// New creates a client. Nothing is started until Start or the first command.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "engine-client").Logger(),
	}, nil
}

// Start launches the bridge and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.sess != nil {
		return nil
	}
	return c.start(ctx)
}

func (c *Client) start(ctx context.Context) error {
	stdin, stdout, err := c.cfg.Transport.Start(ctx)
	if err != nil {
		return engine.NewExecutionError("failed to start engine bridge", err)
	}

	sess := &session{
		stdin:   stdin,
		encoder: protocol.NewEncoder(stdin),
		msgs:    make(chan decoded),
		done:    make(chan struct{}),
	}
	go sess.read(protocol.NewDecoder(stdout))
	c.sess = sess

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		c.teardown(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.NewExecutionError("timeout waiting for READY message", nil).
			WithCode(engine.ErrCodeTimeout)
	case d := <-sess.msgs:
		if d.err == nil && d.msg.Type != protocol.MessageTypeReady {
			d.err = fmt.Errorf("expected READY, got %s", d.msg.Type)
		}
		var ready protocol.ReadyMessage
		if d.err == nil {
			d.err = protocol.ParseParams(d.msg.Data, &ready)
		}
		if d.err == nil && (!ready.Supports(protocol.CommandTypeExecute) || !ready.Supports(protocol.CommandTypeQuery)) {
			d.err = fmt.Errorf("bridge %q does not support execute and query", ready.Engine)
		}
		if d.err != nil {
			c.teardown(ctx)
			return engine.NewExecutionError("failed to receive READY", d.err)
		}
		c.ready = &ready
		c.logger.Debug().
			Str("engine", ready.Engine).
			Str("version", ready.Version).
			Int("pid", ready.PID).
			Msg("engine bridge ready")
		return nil
	}
}

// read forwards decoded messages until the stream ends or the session is
// torn down.
func (s *session) read(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil && !isFatal(err) {
			// A malformed line is reported but does not end the stream.
			err = fmt.Errorf("malformed line from engine bridge: %w", err)
		}
		select {
		case s.msgs <- decoded{msg, err}:
		case <-s.done:
			return
		}
		if err != nil && isFatal(err) {
			return
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrBrokenStream)
}

// teardown stops the bridge. Caller holds c.mu.
func (c *Client) teardown(ctx context.Context) {
	if c.sess == nil {
		return
	}
	close(c.sess.done)
	_ = c.sess.stdin.Close()
	c.sess = nil

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*DefaultStopGrace)
	defer cancel()
	if err := c.cfg.Transport.Stop(stopCtx); err != nil {
		c.logger.Warn().Err(err).Msg("engine bridge did not stop cleanly")
	}
}

// Execute applies a plan fragment through the bridge.
func (c *Client) Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecuteResult, error) {
	var res engine.ExecuteResult
	if err := c.call(ctx, protocol.CommandTypeExecute, req, req.TimeoutSeconds, &res); err != nil {
		return nil, err
	}
	if res.PerHost == nil {
		res.PerHost = map[string]engine.HostResult{}
	}
	return &res, nil
}

// Query reads host state through the bridge.
func (c *Client) Query(ctx context.Context, req engine.QueryRequest) (*engine.QueryResult, error) {
	var res engine.QueryResult
	if err := c.call(ctx, protocol.CommandTypeQuery, req, 0, &res); err != nil {
		return nil, err
	}
	if res.PerHost == nil {
		res.PerHost = map[string]engine.HostQuery{}
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, ct protocol.CommandType, params interface{}, timeoutSeconds int, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.sess == nil {
		if err := c.start(ctx); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", ct, err)
	}
	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    ct,
		Timeout: commandTimeout(ctx, timeoutSeconds),
		Params:  raw,
	}

	sess := c.sess
	if err := sess.encoder.EncodeCommand(cmd); err != nil {
		c.teardown(ctx)
		return engine.NewExecutionError(fmt.Sprintf("failed to send %s command", ct), err)
	}

	log := c.logger.With().Str("command_id", cmd.ID).Str("type", string(ct)).Logger()
	log.Debug().Int("timeout", cmd.Timeout).Msg("command sent")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("command abandoned, stopping engine bridge")
			c.teardown(ctx)
			return ctx.Err()

		case d := <-sess.msgs:
			if d.err != nil {
				if isFatal(d.err) {
					c.teardown(ctx)
					return engine.NewExecutionError("engine bridge closed its output", d.err)
				}
				log.Warn().Err(d.err).Msg("skipping line")
				continue
			}

			switch d.msg.Type {
			case protocol.MessageTypeEvent:
				var event protocol.EventMessage
				if err := protocol.ParseParams(d.msg.Data, &event); err != nil {
					log.Warn().Err(err).Msg("failed to parse event")
					continue
				}
				if event.CommandID != cmd.ID {
					continue
				}
				log.Debug().Str("host", event.Host).Str("level", event.Level).Msg(event.Message)
				if c.cfg.OnEvent != nil {
					c.cfg.OnEvent(&event)
				}

			case protocol.MessageTypeDone:
				var done protocol.DoneMessage
				if err := protocol.ParseParams(d.msg.Data, &done); err != nil {
					c.teardown(ctx)
					return engine.NewExecutionError("failed to parse done", err)
				}
				if done.CommandID != cmd.ID {
					c.teardown(ctx)
					return engine.NewExecutionError(
						fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID), nil)
				}
				if err := json.Unmarshal(done.Result, out); err != nil {
					return engine.NewExecutionError(fmt.Sprintf("failed to decode %s result", ct), err)
				}
				log.Debug().Float64("duration", done.Duration).Msg("command done")
				return nil

			case protocol.MessageTypeError:
				var errMsg protocol.ErrorMessage
				if err := protocol.ParseParams(d.msg.Data, &errMsg); err != nil {
					c.teardown(ctx)
					return engine.NewExecutionError("failed to parse error", err)
				}
				if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
					c.teardown(ctx)
					return engine.NewExecutionError(
						fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID), nil)
				}
				derr := engine.NewExecutionError(fmt.Sprintf("engine %s failed", ct), &errMsg)
				if errMsg.Code == protocol.CodeTimeout {
					derr = derr.WithCode(engine.ErrCodeTimeout)
				}
				return derr

			case protocol.MessageTypeExit:
				var exit protocol.ExitMessage
				_ = protocol.ParseParams(d.msg.Data, &exit)
				c.teardown(ctx)
				return engine.NewExecutionError(fmt.Sprintf("engine bridge exited unexpectedly: %s", exit.Reason), nil)

			default:
				c.teardown(ctx)
				return engine.NewExecutionError(fmt.Sprintf("unexpected message type: %s", d.msg.Type), nil)
			}
		}
	}
}

// commandTimeout is the explicit timeout, or what is left of ctx's deadline,
// or DefaultQueryTimeout, in whole seconds.
func commandTimeout(ctx context.Context, seconds int) int {
	if seconds > 0 {
		return seconds
	}
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline).Seconds()
		return int(math.Max(1, math.Ceil(left)))
	}
	return int(DefaultQueryTimeout / time.Second)
}

// Ready returns the READY message of the running bridge, if any.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close stops the bridge. The client cannot be used afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.teardown(ctx)
	return nil
}
