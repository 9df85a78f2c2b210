package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/edgeflare/scoot/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cmdTopic  = "scooter/command"
	respTopic = "scooter/response"
)

type panickingActuator struct{}

func (panickingActuator) Set(bool) error        { panic("gpio line busy") }
func (panickingActuator) IsOpen() (bool, error) { return false, nil }

func newController(t *testing.T, a Actuator) (*Controller, *broker.Memory) {
	tr := broker.NewMemory()
	c := NewController(a, tr, Options{CommandTopic: cmdTopic, ResponseTopic: respTopic})
	require.NoError(t, c.Start())
	return c, tr
}

func TestStartDrivesRelayClosed(t *testing.T) {
	a := &MemoryActuator{open: true}
	c, _ := newController(t, a)

	assert.Equal(t, command.StatusClosed, c.State())
	open, err := a.IsOpen()
	require.NoError(t, err)
	assert.False(t, open)
}

func TestTransitions(t *testing.T) {
	a := &MemoryActuator{}
	c, _ := newController(t, a)

	resp := c.Execute(command.IntentOpen)
	assert.Equal(t, command.Response{Result: true, Status: command.StatusOpen}, resp)
	assert.Equal(t, command.StatusOpen, c.State())

	resp = c.Execute(command.IntentClose)
	assert.Equal(t, command.Response{Result: true, Status: command.StatusClosed}, resp)
	assert.Equal(t, command.StatusClosed, c.State())
}

func TestQueryNeverChangesState(t *testing.T) {
	a := &MemoryActuator{}
	c, _ := newController(t, a)
	c.Execute(command.IntentOpen)
	calls := a.Calls

	for i := 0; i < 3; i++ {
		resp := c.Execute(command.IntentQuery)
		assert.Equal(t, command.Response{Result: true, Status: command.StatusOpen}, resp)
	}
	assert.Equal(t, command.StatusOpen, c.State())
	assert.Equal(t, calls, a.Calls, "query must not drive the actuator")
}

func TestActuatorFailures(t *testing.T) {
	t.Run("set error", func(t *testing.T) {
		a := &MemoryActuator{}
		c, _ := newController(t, a)
		a.SetErr = errors.New("permission denied")

		resp := c.Execute(command.IntentOpen)
		assert.False(t, resp.Result)
		assert.Equal(t, command.StatusClosed, resp.Status)
		assert.Contains(t, resp.Reason, "permission denied")
		assert.Equal(t, command.StatusClosed, c.State())
	})

	t.Run("relay does not move", func(t *testing.T) {
		a := &MemoryActuator{}
		c, _ := newController(t, a)
		a.Stuck = true

		resp := c.Execute(command.IntentOpen)
		assert.False(t, resp.Result)
		assert.Equal(t, command.StatusClosed, resp.Status)
		assert.NotEmpty(t, resp.Reason)
	})

	t.Run("read-back error", func(t *testing.T) {
		a := &MemoryActuator{}
		c, _ := newController(t, a)
		a.ReadErr = errors.New("i/o error")

		resp := c.Execute(command.IntentOpen)
		assert.False(t, resp.Result)
		assert.Contains(t, resp.Reason, "i/o error")
	})

	t.Run("panic is recovered", func(t *testing.T) {
		c := NewController(panickingActuator{}, broker.NewMemory(), Options{})
		var resp command.Response
		require.NotPanics(t, func() { resp = c.Execute(command.IntentClose) })
		assert.False(t, resp.Result)
		assert.Contains(t, resp.Reason, "gpio line busy")
	})
}

func TestUnsupportedIntent(t *testing.T) {
	a := &MemoryActuator{}
	c, _ := newController(t, a)
	calls := a.Calls

	resp := c.Execute(command.Intent("toggle"))
	assert.False(t, resp.Result)
	assert.Equal(t, command.StatusClosed, resp.Status)
	assert.Equal(t, calls, a.Calls)
}

func TestHandleCommandPublishesResponse(t *testing.T) {
	c, tr := newController(t, &MemoryActuator{})

	err := tr.Publish(context.Background(), cmdTopic, broker.QoSAtLeastOnce, []byte(`{"status":"open","id":"req-1"}`))
	require.NoError(t, err)

	published := tr.PublishedOn(respTopic)
	require.Len(t, published, 1)
	assert.Equal(t, broker.QoSAtLeastOnce, published[0].QoS)
	assert.JSONEq(t, `{"response":{"result":true,"status":"open","reason":""},"id":"req-1"}`, string(published[0].Payload))
	assert.Equal(t, command.StatusOpen, c.State())
}

func TestHandleCommandWithoutID(t *testing.T) {
	_, tr := newController(t, &MemoryActuator{})

	require.NoError(t, tr.Publish(context.Background(), cmdTopic, broker.QoSAtLeastOnce, []byte(`{"status":"query"}`)))

	published := tr.PublishedOn(respTopic)
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"response":{"result":true,"status":"close","reason":""}}`, string(published[0].Payload))
}

func TestHandleCommandDropsMalformed(t *testing.T) {
	c, tr := newController(t, &MemoryActuator{})

	require.NoError(t, c.HandleCommand(context.Background(), broker.Message{Topic: cmdTopic, Payload: []byte(`{oops`)}))
	assert.Empty(t, tr.PublishedOn(respTopic))
}

func TestCorrelatorAndControllerRoundTrip(t *testing.T) {
	tr := broker.NewMemory()
	ctrl := NewController(&MemoryActuator{}, tr, Options{CommandTopic: cmdTopic, ResponseTopic: respTopic})
	require.NoError(t, ctrl.Start())
	corr := command.NewCorrelator(tr, command.Options{CommandTopic: cmdTopic, ResponseTopic: respTopic})
	require.NoError(t, corr.Start())

	resp, err := corr.Send(context.Background(), command.IntentOpen)
	require.NoError(t, err)
	assert.Equal(t, command.Response{Result: true, Status: command.StatusOpen, Reason: ""}, resp)

	resp, err = corr.Send(context.Background(), command.IntentQuery)
	require.NoError(t, err)
	assert.Equal(t, command.StatusOpen, resp.Status)
}

func TestSysfsActuator(t *testing.T) {
	root := t.TempDir()
	pinDir := filepath.Join(root, "gpio17")
	require.NoError(t, os.MkdirAll(pinDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pinDir, "value"), []byte("0\n"), 0o644))

	t.Run("active high", func(t *testing.T) {
		a := &SysfsActuator{Root: root, Pin: 17}
		require.NoError(t, a.Set(true))
		b, err := os.ReadFile(filepath.Join(pinDir, "value"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(b))

		open, err := a.IsOpen()
		require.NoError(t, err)
		assert.True(t, open)

		dir, err := os.ReadFile(filepath.Join(pinDir, "direction"))
		require.NoError(t, err)
		assert.Equal(t, "out", string(dir))
	})

	t.Run("active low", func(t *testing.T) {
		a := &SysfsActuator{Root: root, Pin: 17, ActiveLow: true}
		require.NoError(t, a.Set(true))
		b, err := os.ReadFile(filepath.Join(pinDir, "value"))
		require.NoError(t, err)
		assert.Equal(t, "0", string(b))

		open, err := a.IsOpen()
		require.NoError(t, err)
		assert.True(t, open)
	})

	t.Run("missing export", func(t *testing.T) {
		a := &SysfsActuator{Root: filepath.Join(root, "absent"), Pin: 4}
		assert.Error(t, a.Set(false))
	})
}
