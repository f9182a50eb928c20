package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/inspectio/inference"
	"github.com/hubertat/inspectio/pinstate"
	"github.com/hubertat/inspectio/presets"
)

const (
	cmdHelp    = "help"
	cmdGPIRead = "GPIread"
	cmdGPORead = "GPOread"
	didField   = "did"

	drainWindow = 50 * time.Millisecond
)

var (
	replyInvalid = []byte("Invalid Command\n")
	replyFailed  = []byte("-1\n")
	replyOn      = []byte("on\n")
	replyOff     = []byte("off\n")
)

// session holds what a connection sees for its whole life: commands and the
// response filter are read once at connect and not refreshed.
type session struct {
	conn     net.Conn
	server   *Server
	commands map[string]presets.Preset
	filter   presets.ResponseFilter
	label    string
	logger   *log.Logger
}

func (s *Server) newSession(ctx context.Context, conn net.Conn) *session {
	remote := conn.RemoteAddr().String()
	ss := &session{
		conn:   conn,
		server: s,
		label:  "tcp:" + remote,
		logger: s.logger.With("remote", remote),
	}

	commands, err := s.catalog.Commands(ctx)
	if err != nil {
		ss.logger.Error("loading commands, session has none", "err", err)
		commands = map[string]presets.Preset{}
	}
	ss.commands = commands

	filter, err := s.catalog.ResponseFilter(ctx)
	if err != nil {
		ss.logger.Error("loading response filter, every field is dropped", "err", err)
	}
	ss.filter = filter

	return ss
}

func (ss *session) serve(ctx context.Context) {
	defer ss.conn.Close()
	stop := context.AfterFunc(ctx, func() { ss.conn.Close() })
	defer stop()

	ss.logger.Info("session opened", "commands", len(ss.commands))
	defer ss.logger.Info("session closed")

	limit := ss.server.cfg.MaxMessageSize
	buf := make([]byte, limit+1)
	for {
		n, err := ss.conn.Read(buf)
		if n == 0 {
			if err != nil {
				ss.logger.Debug("read ended", "err", err)
			}
			return
		}

		var reply []byte
		if n > limit {
			ss.logger.Warn("message exceeds the size limit, messages are one read each", "limit", limit)
			if !ss.drain(buf) {
				return
			}
			reply = replyInvalid
		} else {
			reply = ss.handle(ctx, buf[:n])
		}

		if !ss.write(reply) {
			return
		}
		if err != nil {
			return
		}
	}
}

// drain discards the rest of an oversized message: reads that fill buf, then
// the short read ending it. A quiet line for drainWindow also ends it. Reports
// whether the connection is still usable.
func (ss *session) drain(buf []byte) bool {
	defer ss.conn.SetReadDeadline(time.Time{})
	for {
		if err := ss.conn.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return false
		}
		n, err := ss.conn.Read(buf)
		if err != nil {
			var ne net.Error
			return errors.As(err, &ne) && ne.Timeout()
		}
		if n < len(buf) {
			return true
		}
	}
}

// write reports whether the connection is still usable.
func (ss *session) write(reply []byte) bool {
	if _, err := ss.conn.Write(reply); err != nil {
		ss.logger.Warn("write reply", "err", err)
		if _, err := ss.conn.Write(replyFailed); err != nil {
			return false
		}
	}
	return true
}

func (ss *session) handle(ctx context.Context, raw []byte) []byte {
	msg := strings.TrimSpace(string(raw))

	switch msg {
	case cmdHelp:
		return ss.help()
	case cmdGPIRead:
		return ss.vector(ctx, pinstate.PinState.InputVector)
	case cmdGPORead:
		return ss.vector(ctx, pinstate.PinState.OutputVector)
	}

	key, value, err := parseMessage(msg)
	if err != nil {
		ss.logger.Debug("rejected message", "err", err)
		return replyInvalid
	}

	if utf8.RuneCountInString(key) == 1 {
		return ss.setPin(ctx, key, value)
	}
	return ss.command(ctx, key, value)
}

func (ss *session) help() []byte {
	names := make([]string, 0, len(ss.commands))
	for name := range ss.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	listing := struct {
		Read     []string `json:"read"`
		Set      string   `json:"set"`
		Commands []string `json:"commands"`
	}{
		Read:     []string{cmdGPIRead, cmdGPORead},
		Set:      `{"<pin 1-8>": true|false}`,
		Commands: names,
	}
	return ss.jsonLine(listing)
}

func (ss *session) vector(ctx context.Context, pick func(pinstate.PinState) map[string]bool) []byte {
	ps, err := ss.server.pins.Snapshot(ctx)
	if err != nil {
		ss.logger.Error("read pin state", "err", err)
		return replyFailed
	}
	return ss.jsonLine(pick(ps))
}

func (ss *session) setPin(ctx context.Context, key string, value json.RawMessage) []byte {
	var on bool
	if err := json.Unmarshal(value, &on); err != nil {
		ss.logger.Debug("pin set without a bool", "key", key)
		return replyInvalid
	}
	if key[0] < '1' || key[0] > '8' {
		ss.logger.Debug("pin set on unknown pin", "key", key)
		return replyInvalid
	}
	pin := int(key[0] - '0')

	if err := ss.server.pins.SetOutput(ctx, pin, on); err != nil {
		ss.logger.Error("set output", "pin", pin, "on", on, "err", err)
		return replyFailed
	}
	ss.logger.Info("output set", "pin", pin, "on", on)
	if on {
		return replyOn
	}
	return replyOff
}

func (ss *session) command(ctx context.Context, key string, value json.RawMessage) []byte {
	preset, known := ss.commands[key]
	if !known {
		ss.logger.Info("rejected message", "err", errors.Wrapf(ErrUnknownCommand, "%q", key))
		return replyInvalid
	}

	caller := inference.Caller{Source: "tcp", Workstation: ss.label}
	if did, ok := didOf(value); ok {
		caller.Extra = url.Values{didField: {did}}
	}

	result, err := ss.server.trigger.Trigger(ctx, preset, caller)
	if err != nil {
		return replyFailed
	}

	body, err := encode(ss.filter.Apply(result.Body))
	if err != nil {
		ss.logger.Error("encode reply", "err", err)
		return replyFailed
	}
	if ss.filter.PacketHeader {
		return frame(body)
	}
	return append(body, '\n')
}

func (ss *session) jsonLine(v any) []byte {
	out, err := encode(v)
	if err != nil {
		ss.logger.Error("encode reply", "err", err)
		return replyFailed
	}
	return append(out, '\n')
}

// encode is json.Marshal without HTML escaping, clients read the bytes as sent.
func encode(v any) ([]byte, error) {
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n")), nil
}

// parseMessage accepts exactly one top level entry.
func parseMessage(msg string) (string, json.RawMessage, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg), &entries); err != nil {
		return "", nil, errors.Wrapf(ErrProtocolParse, "%v", err)
	}
	if len(entries) != 1 {
		return "", nil, errors.Wrapf(ErrProtocolParse, "want one entry, got %d", len(entries))
	}
	for key, value := range entries {
		return key, value, nil
	}
	return "", nil, ErrProtocolParse
}

func didOf(value json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return "", false
	}
	did, found := fields[didField]
	if !found || did == nil {
		return "", false
	}
	return fmt.Sprint(did), true
}

// frame wraps body as \x01<len>\x02<body>\x03\r.
func frame(body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(0x01)
	fmt.Fprintf(&out, "%d", len(body))
	out.WriteByte(0x02)
	out.Write(body)
	out.WriteByte(0x03)
	out.WriteByte(0x0D)
	return out.Bytes()
}
