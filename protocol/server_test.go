package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/inspectio/drivers"
	"github.com/hubertat/inspectio/inference"
	"github.com/hubertat/inspectio/pinstate"
	"github.com/hubertat/inspectio/presets"
)

var (
	testInputs  = []uint16{21, 22, 23, 24, 25, 26, 27, 28}
	testOutputs = []uint16{11, 12, 13, 14, 15, 16, 17, 18}
)

type memCatalog struct {
	mu       sync.Mutex
	commands map[string]presets.Preset
	filter   presets.ResponseFilter
}

func (mc *memCatalog) ByTriggerKey(ctx context.Context, key string) ([]presets.Preset, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if p, ok := mc.commands[key]; ok {
		return []presets.Preset{p}, nil
	}
	return nil, nil
}

func (mc *memCatalog) Commands(ctx context.Context) (map[string]presets.Preset, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make(map[string]presets.Preset, len(mc.commands))
	for k, v := range mc.commands {
		out[k] = v
	}
	return out, nil
}

func (mc *memCatalog) ResponseFilter(ctx context.Context) (presets.ResponseFilter, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.filter, nil
}

func (mc *memCatalog) setFilter(rf presets.ResponseFilter) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.filter = rf
}

func (mc *memCatalog) add(p presets.Preset) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.commands[p.TriggerKey] = p
}

type stubTrigger struct {
	mu      sync.Mutex
	body    map[string]any
	err     error
	callers []inference.Caller
}

func (st *stubTrigger) Trigger(ctx context.Context, preset presets.Preset, caller inference.Caller) (inference.Result, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callers = append(st.callers, caller)
	return inference.Result{Body: st.body}, st.err
}

func (st *stubTrigger) fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.err = err
}

func (st *stubTrigger) calls() []inference.Caller {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]inference.Caller(nil), st.callers...)
}

type fixture struct {
	md      *drivers.MockIoDriver
	store   *pinstate.MemoryStore
	catalog *memCatalog
	trigger *stubTrigger
	addr    string
}

func startServer(t *testing.T, cfg Config) *fixture {
	t.Helper()

	md := &drivers.MockIoDriver{}
	require.NoError(t, md.Setup(context.Background(), testInputs, testOutputs))
	port, err := drivers.NewPort(md, testInputs, testOutputs)
	require.NoError(t, err)

	f := &fixture{
		md:    md,
		store: pinstate.NewMemoryStore(map[int]bool{1: true}),
		catalog: &memCatalog{
			commands: map[string]presets.Preset{
				"inspect": {TriggerKey: "inspect", CameraID: "cam0", PresetID: "p1", TargetService: presets.ServiceStandard},
			},
			filter: presets.ResponseFilter{Fields: map[string]bool{"confidence": true, "passFail": true, "bbox": false}},
		},
		trigger: &stubTrigger{body: map[string]any{"passFail": "PASS", "confidence": json.Number("0.9"), "bbox": []any{1, 2, 3, 4}}},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(cfg, pinstate.NewController(port, f.store), f.catalog, f.trigger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// send writes one message and reads the reply up to its terminator.
func (c *client) send(msg string, terminator byte) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(msg))
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := c.r.ReadString(terminator)
	require.NoError(c.t, err)
	return reply
}

func (c *client) line(msg string) string {
	return c.send(msg, '\n')
}

func TestHelp(t *testing.T) {
	f := startServer(t, Config{})
	f.catalog.add(presets.Preset{TriggerKey: "audit", CameraID: "cam1", PresetID: "p2", TargetService: presets.ServiceThermal})
	c := dial(t, f.addr)

	reply := c.line("help")
	assert.Equal(t, `{"read":["GPIread","GPOread"],"set":"{\"<pin 1-8>\": true|false}","commands":["audit","inspect"]}`+"\n", reply)
}

func TestReadVectors(t *testing.T) {
	ctx := context.Background()
	f := startServer(t, Config{})
	require.NoError(t, f.store.MergeInputs(ctx, map[int]bool{2: true, 8: true}))
	c := dial(t, f.addr)

	var inputs map[string]bool
	require.NoError(t, json.Unmarshal([]byte(c.line("GPIread")), &inputs))
	ps, _ := f.store.Snapshot(ctx)
	assert.Equal(t, ps.InputVector(), inputs)
	assert.Len(t, inputs, 8)
	assert.True(t, inputs["GPI8"])

	var outputs map[string]bool
	require.NoError(t, json.Unmarshal([]byte(c.line("  GPOread\r\n")), &outputs))
	assert.Len(t, outputs, 8)
	assert.True(t, outputs["GPO1"])
}

func TestPinSet(t *testing.T) {
	ctx := context.Background()
	f := startServer(t, Config{})
	c := dial(t, f.addr)

	assert.Equal(t, "on\n", c.line(`{"7": true}`))
	out, err := f.md.GetOutput(testOutputs[6])
	require.NoError(t, err)
	state, _ := out.GetState()
	assert.True(t, state)
	ps, _ := f.store.Snapshot(ctx)
	assert.True(t, ps.Outputs[7])

	assert.Equal(t, "off\n", c.line(`{"7": false}`))
	ps, _ = f.store.Snapshot(ctx)
	assert.False(t, ps.Outputs[7])
}

func TestPinSetRejects(t *testing.T) {
	ctx := context.Background()
	f := startServer(t, Config{})
	before, _ := f.store.Snapshot(ctx)
	c := dial(t, f.addr)

	for _, msg := range []string{`{"9": true}`, `{"0": true}`, `{"x": true}`, `{"3": "yes"}`, `{"3": 1}`} {
		assert.Equal(t, "Invalid Command\n", c.line(msg), msg)
	}
	after, _ := f.store.Snapshot(ctx)
	assert.Equal(t, before, after)
}

func TestPinSetHardwareFailure(t *testing.T) {
	f := startServer(t, Config{})
	f.md.SetFailures(false, true)
	c := dial(t, f.addr)

	assert.Equal(t, "-1\n", c.line(`{"4": true}`))
}

func TestUnknownCommandLeavesStore(t *testing.T) {
	ctx := context.Background()
	f := startServer(t, Config{})
	before, _ := f.store.Snapshot(ctx)
	c := dial(t, f.addr)

	assert.Equal(t, "Invalid Command\n", c.line(`{"unknown_cmd": {}}`))
	after, _ := f.store.Snapshot(ctx)
	assert.Equal(t, before, after)
	assert.Empty(t, f.trigger.calls())
}

func TestMalformedMessagesKeepSession(t *testing.T) {
	f := startServer(t, Config{})
	c := dial(t, f.addr)

	for _, msg := range []string{"nonsense", `{"a": 1, "b": 2}`, `{}`, `[1,2]`} {
		assert.Equal(t, "Invalid Command\n", c.line(msg), msg)
	}
	assert.Contains(t, c.line("help"), `"commands":["inspect"]`)
}

func TestCommandFiltersBody(t *testing.T) {
	f := startServer(t, Config{})
	c := dial(t, f.addr)

	reply := c.line(`{"inspect": {"did": 42}}`)
	assert.Equal(t, `{"confidence":0.9,"passFail":"PASS"}`+"\n", reply)
	assert.NotContains(t, reply, "bbox")

	calls := f.trigger.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tcp", calls[0].Source)
	assert.Equal(t, "tcp:"+c.conn.LocalAddr().String(), calls[0].Workstation)
	assert.Equal(t, "42", calls[0].Extra.Get("did"))
}

func TestCommandFramedReply(t *testing.T) {
	f := startServer(t, Config{})
	f.catalog.setFilter(presets.ResponseFilter{
		Fields:       map[string]bool{"confidence": true, "bbox": false},
		PacketHeader: true,
	})
	c := dial(t, f.addr)

	reply := c.send(`{"inspect": {}}`, '\r')
	body := `{"confidence":0.9}`
	assert.Equal(t, "\x0118\x02"+body+"\x03\r", reply)
	assert.Equal(t, 18, len(body))
	assert.Nil(t, f.trigger.calls()[0].Extra)
}

func TestCommandTriggerFailure(t *testing.T) {
	f := startServer(t, Config{})
	f.trigger.fail(errors.Wrap(inference.ErrInferenceCallFailed, "timeout"))
	c := dial(t, f.addr)

	assert.Equal(t, "-1\n", c.line(`{"inspect": {}}`))
	assert.Contains(t, c.line("help"), "inspect")
}

func TestCommandsSnapshotAtConnect(t *testing.T) {
	f := startServer(t, Config{})
	c := dial(t, f.addr)
	assert.Equal(t, `{"confidence":0.9,"passFail":"PASS"}`+"\n", c.line(`{"inspect": {}}`))

	f.catalog.add(presets.Preset{TriggerKey: "late", CameraID: "cam1", PresetID: "p3", TargetService: presets.ServiceStandard})
	assert.Equal(t, "Invalid Command\n", c.line(`{"late": {}}`))
	c.conn.Close()

	c = dial(t, f.addr)
	assert.NotEqual(t, "Invalid Command\n", c.line(`{"late": {}}`))
}

func TestOversizedMessage(t *testing.T) {
	f := startServer(t, Config{MaxMessageSize: 16})
	c := dial(t, f.addr)

	assert.Equal(t, "Invalid Command\n", c.line(`{"inspect": {"did": "`+strings.Repeat("x", 8)+`"}}`))
	assert.Contains(t, c.line("GPOread"), "GPO1")
}

func TestOversizedMessageSpanningReads(t *testing.T) {
	f := startServer(t, Config{MaxMessageSize: 16})
	c := dial(t, f.addr)

	// exactly one buffer's worth, with nothing after it
	assert.Equal(t, "Invalid Command\n", c.line(strings.Repeat("x", 17)))
	assert.Contains(t, c.line("GPIread"), "GPI1")

	assert.Equal(t, "Invalid Command\n", c.line(strings.Repeat("y", 100)))
	assert.Contains(t, c.line("help"), "commands")
}

func TestSequentialSessions(t *testing.T) {
	f := startServer(t, Config{})
	first := dial(t, f.addr)
	assert.Contains(t, first.line("help"), "read")

	second := dial(t, f.addr)
	_, err := second.conn.Write([]byte("GPOread"))
	require.NoError(t, err)
	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = second.r.ReadString('\n')
	assert.Error(t, err, "second client is served only after the first leaves")

	first.conn.Close()
	require.NoError(t, second.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := second.r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "GPO1")
}
