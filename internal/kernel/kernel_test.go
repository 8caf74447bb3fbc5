package kernel

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/protocol"
)

func defaultCfg() driver.KernelConfig {
	return driver.KernelConfig{Mode: driver.ModeInProcess, Language: driver.LanguagePython}
}

func TestExecuteReturnsOkResult(t *testing.T) {
	drv := newFakeDriver([]*protocol.Event{
		{Kind: protocol.KindStream, Stream: &protocol.StreamEvent{Name: "stdout", Text: "hi\n"}},
		{Kind: protocol.KindExecuteResult, ExecuteResult: &protocol.ExecuteResultEvent{ExecutionCount: 1}},
	})
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	result, err := k.Execute(context.Background(), "print('hi')")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
}

func TestExecuteReturnsErrorResult(t *testing.T) {
	drv := newFakeDriver([]*protocol.Event{
		{Kind: protocol.KindExecuteError, ExecuteError: &protocol.ExecuteErrorEvent{EName: "ValueError", EValue: "boom"}},
	})
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	result, err := k.Execute(context.Background(), "raise ValueError('boom')")
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, "ValueError", result.EName)
	assert.Equal(t, "boom", result.EValue)
}

func TestExecuteStreamRejectsConcurrentExecution(t *testing.T) {
	drv := newFakeDriver(nil) // never emits a terminal event, so exec stays "current"
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	_, err = k.ExecuteStream(context.Background(), "while True: pass")
	require.NoError(t, err)

	_, err = k.ExecuteStream(context.Background(), "print(1)")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestExecuteStreamAfterDestroyFails(t *testing.T) {
	drv := newFakeDriver(nil)
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, k.Destroy(context.Background()))

	_, err = k.ExecuteStream(context.Background(), "print(1)")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDestroyDuringExecutionEmitsForcedTermination(t *testing.T) {
	drv := newFakeDriver(nil)
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)

	events, err := k.ExecuteStream(context.Background(), "while True: pass")
	require.NoError(t, err)

	unsub := func() {}
	received := make(chan *protocol.Event, 1)
	unsub = k.Subscribe(func(evt *protocol.Event) {
		if evt.Kind == protocol.KindExecuteError && evt.ExecuteError.EName == protocol.ErrNameKernelForcedTerm {
			received <- evt
		}
	})
	defer unsub()

	require.NoError(t, k.Destroy(context.Background()))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forced-termination event")
	}

	// the ExecuteStream channel returned earlier must also observe the
	// forced-termination event and then close.
	var last *protocol.Event
	for evt := range events {
		last = evt
	}
	require.NotNil(t, last)
	assert.Equal(t, protocol.ErrNameKernelForcedTerm, last.ExecuteError.EName)
}

func TestListFilesUnsupportedForInProcessMode(t *testing.T) {
	drv := newFakeDriver(nil)
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	_, err = k.ListFiles(context.Background(), "/")
	assert.ErrorIs(t, err, ErrFilesystemUnsupported)
}

func TestInterruptUnsupportedWithoutChannel(t *testing.T) {
	drv := newFakeDriver(nil)
	cfg := driver.KernelConfig{Mode: driver.ModeSandboxed, Language: driver.LanguagePython}
	k, err := New(context.Background(), drv, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	err = k.Interrupt(context.Background())
	assert.ErrorIs(t, err, ErrInterruptUnsupported)
}

func TestExecuteStreamBeginsWithExecuteInput(t *testing.T) {
	drv := newFakeDriver([]*protocol.Event{
		{Kind: protocol.KindStream, Stream: &protocol.StreamEvent{Name: "stdout", Text: "hi\n"}},
		{Kind: protocol.KindExecuteResult, ExecuteResult: &protocol.ExecuteResultEvent{ExecutionCount: 1}},
	})
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	events, err := k.ExecuteStream(context.Background(), "print('hi')")
	require.NoError(t, err)

	var kinds []protocol.EventKind
	for evt := range events {
		kinds = append(kinds, evt.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, protocol.KindExecuteInput, kinds[0], "execute_input is always the first event")
	assert.Equal(t, protocol.KindExecuteResult, kinds[len(kinds)-1])
}

func TestExecuteInputEchoesCodeAndCount(t *testing.T) {
	drv := newFakeDriver([]*protocol.Event{
		{Kind: protocol.KindExecuteResult, ExecuteResult: &protocol.ExecuteResultEvent{ExecutionCount: 1}},
	})
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	events, err := k.ExecuteStream(context.Background(), "2+2")
	require.NoError(t, err)

	first := <-events
	require.Equal(t, protocol.KindExecuteInput, first.Kind)
	assert.Equal(t, "2+2", first.ExecuteInput.Code)
	assert.Equal(t, 1, first.ExecuteInput.ExecutionCount)
	for range events {
	}
}

func TestExecuteAccumulatesStreamBufferAndData(t *testing.T) {
	drv := newFakeDriver([]*protocol.Event{
		{Kind: protocol.KindStream, Stream: &protocol.StreamEvent{Name: "stdout", Text: "hi "}},
		{Kind: protocol.KindStream, Stream: &protocol.StreamEvent{Name: "stdout", Text: "there\n"}},
		{Kind: protocol.KindExecuteResult, ExecuteResult: &protocol.ExecuteResultEvent{
			ExecutionCount: 3,
			Data:           map[string]json.RawMessage{"text/plain": json.RawMessage(`"4"`)},
		}},
	})
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	result, err := k.Execute(context.Background(), "print('hi there'); 2+2")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "hi there\n", result.StreamBuffer)
	assert.Equal(t, 3, result.ExecutionCount)
	assert.JSONEq(t, `"4"`, string(result.Data["text/plain"]))
	assert.NotEmpty(t, result.ExecutionID)
}

func TestExecuteDetachedReturnsExecutionID(t *testing.T) {
	drv := newFakeDriver([]*protocol.Event{
		{Kind: protocol.KindExecuteResult, ExecuteResult: &protocol.ExecuteResultEvent{ExecutionCount: 1}},
	})
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	execID, err := k.ExecuteDetached(context.Background(), "print(1)")
	require.NoError(t, err)
	assert.NotEmpty(t, execID)

	// the background drain must complete the execution so the kernel is
	// usable again.
	require.Eventually(t, func() bool {
		return k.ExecutionInfo().Ongoing == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDriverGoneTerminatesInFlightStream(t *testing.T) {
	drv := newFakeDriver(nil) // never emits a terminal event
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)

	events, err := k.ExecuteStream(context.Background(), "while True: pass")
	require.NoError(t, err)

	// kill the transport out from under the execution.
	k.bridge.Close()

	var last *protocol.Event
	for evt := range events {
		last = evt
	}
	require.NotNil(t, last)
	require.Equal(t, protocol.KindExecuteError, last.Kind)
	assert.Equal(t, protocol.ErrNameDriverGone, last.ExecuteError.EName)

	assert.Equal(t, protocol.StatusError, k.Status())
	_, err = k.ExecuteStream(context.Background(), "print(1)")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestStallAlarmFiresWithoutTerminating(t *testing.T) {
	drv := newFakeDriver(nil)
	cfg := defaultCfg()
	cfg.MaxExecutionTime = 30 * time.Millisecond
	k, err := New(context.Background(), drv, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	stalled := make(chan *protocol.Event, 1)
	unsub := k.Subscribe(func(evt *protocol.Event) {
		if evt.Kind == protocol.KindExecutionStalled {
			select {
			case stalled <- evt:
			default:
			}
		}
	})
	defer unsub()

	_, err = k.ExecuteStream(context.Background(), "while True: pass")
	require.NoError(t, err)

	select {
	case evt := <-stalled:
		assert.Equal(t, int64(30), evt.ExecutionStalled.MaxExecutionTimeMs)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution_stalled")
	}

	info := k.ExecutionInfo()
	assert.Equal(t, 1, info.Ongoing, "stall is advisory, the execution keeps running")
	assert.True(t, info.Stuck)
}

func TestBacklogDropsOldestStreamOnly(t *testing.T) {
	exec := &execution{done: make(chan struct{}), notify: make(chan struct{}, 1)}

	display := &protocol.Event{
		Kind:        protocol.KindDisplayData,
		DisplayData: &protocol.DisplayDataEvent{Data: map[string]json.RawMessage{"text/plain": json.RawMessage(`"x"`)}},
	}
	exec.push("k", display)
	for i := 0; i < ringMaxEvents+10; i++ {
		exec.push("k", &protocol.Event{Kind: protocol.KindStream, Stream: &protocol.StreamEvent{Name: "stdout", Text: "line\n"}})
	}

	var kinds []protocol.EventKind
	dropCount := 0
	for {
		evt := exec.pop()
		if evt == nil {
			break
		}
		kinds = append(kinds, evt.Kind)
		if evt.Kind == protocol.KindBackpressureDrop {
			dropCount = evt.BackpressureDrop.DroppedCount
		}
	}

	assert.LessOrEqual(t, len(kinds), ringMaxEvents+1)
	assert.Equal(t, protocol.KindDisplayData, kinds[0], "display_data is never dropped")
	assert.Equal(t, protocol.KindBackpressureDrop, kinds[1], "marker sits where the first drop happened")
	assert.Greater(t, dropCount, 0)
}

func TestBacklogByteBound(t *testing.T) {
	exec := &execution{done: make(chan struct{}), notify: make(chan struct{}, 1)}

	chunk := strings.Repeat("a", 1024)
	for i := 0; i < 10; i++ {
		exec.push("k", &protocol.Event{Kind: protocol.KindStream, Stream: &protocol.StreamEvent{Name: "stdout", Text: chunk}})
	}

	exec.qmu.Lock()
	defer exec.qmu.Unlock()
	assert.LessOrEqual(t, exec.queueBytes, ringMaxBytes)
	assert.NotNil(t, exec.dropMarker)
}

func TestRebrandMergesConfigAndMarksFromPool(t *testing.T) {
	drv := newFakeDriver(nil)
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)
	defer k.Destroy(context.Background())

	assert.False(t, k.FromPool)

	cfg := defaultCfg()
	cfg.InactivityTimeout = time.Minute
	cfg.Mode = driver.ModeSandboxed // must be ignored: mode is fixed at boot
	k.Rebrand(cfg)

	assert.True(t, k.FromPool)
	assert.Equal(t, driver.ModeInProcess, k.Config.Mode)
	assert.Equal(t, time.Minute, k.Config.InactivityTimeout)
}

func TestDestroyIsIdempotent(t *testing.T) {
	drv := newFakeDriver(nil)
	k, err := New(context.Background(), drv, defaultCfg(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, k.Destroy(context.Background()))
	require.NoError(t, k.Destroy(context.Background()))
}
