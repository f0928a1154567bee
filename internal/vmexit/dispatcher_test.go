package vmexit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tinyrange/devicemodel/internal/chipset"
	"github.com/tinyrange/devicemodel/internal/devices/pci"
	"github.com/tinyrange/devicemodel/internal/hv"
	"github.com/tinyrange/devicemodel/internal/hv/loopback"
)

type configAccess struct {
	addr  pci.Address
	off   int
	size  int
	value uint32
}

type fakeConfigSpace struct {
	mu     sync.Mutex
	reads  []configAccess
	writes []configAccess
}

func (f *fakeConfigSpace) ConfigRead(addr pci.Address, off, size int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, configAccess{addr: addr, off: off, size: size})
	return 0x12345678
}

func (f *fakeConfigSpace) ConfigWrite(addr pci.Address, off, size int, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, configAccess{addr: addr, off: off, size: size, value: val})
}

type testEnv struct {
	drv    *loopback.Driver
	cs     *chipset.Chipset
	cfg    *fakeConfigSpace
	reader *sdkmetric.ManualReader
	d      *Dispatcher

	port  uint64
	mmios []uint64
}

func newTestEnv(t *testing.T, slots int, opts Options) *testEnv {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	drv := loopback.New(slots)
	cs, err := chipset.NewBuilder().WithInterruptController(drv).WithLogger(discard).Build()
	require.NoError(t, err)

	env := &testEnv{drv: drv, cs: cs, cfg: &fakeConfigSpace{}}
	require.NoError(t, cs.RegisterPortIO(chipset.AddressRange{
		Name: "scratch",
		Base: 0x80,
		Size: 4,
		Handler: chipset.HandlerFuncs{
			ReadFunc: func(offset uint64, size int) (uint64, error) { return env.port, nil },
			WriteFunc: func(offset uint64, size int, value uint64) error {
				env.port = value
				return nil
			},
		},
	}))
	require.NoError(t, cs.RegisterMem(chipset.AddressRange{
		Name: "fatal",
		Base: 0xd0000000,
		Size: 0x1000,
		Handler: chipset.HandlerFuncs{
			WriteFunc: func(offset uint64, size int, value uint64) error {
				env.mmios = append(env.mmios, offset)
				if offset == 0x10 {
					return hv.ErrAbort
				}
				return nil
			},
		},
	}))

	env.reader = sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(env.reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	opts.Logger = discard
	opts.Meter = provider.Meter("test")
	env.d, err = New(drv, cs, env.cfg, opts)
	require.NoError(t, err)
	return env
}

// serve runs the dispatcher until the test ends and returns its result
// channel.
func (e *testEnv) serve(t *testing.T) <-chan error {
	t.Helper()
	_, err := e.d.Register()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- e.d.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return done
}

func (e *testEnv) submit(t *testing.T, vcpu int, req hv.Request) hv.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := e.drv.Submit(ctx, vcpu, req)
	require.NoError(t, err)
	return out
}

func (e *testEnv) counter(t *testing.T, name, reason string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, e.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("reason"); ok && v.AsString() == reason {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestPortIORoundTrip(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	env.serve(t)

	out := env.submit(t, 0, hv.Request{Reason: hv.ExitPortIO, PIO: hv.PIORequest{
		Direction: hv.DirectionWrite, Port: 0x80, Size: 1, Value: 0x5a,
	}})
	assert.Equal(t, hv.StateSuccess, out.State)

	out = env.submit(t, 1, hv.Request{Reason: hv.ExitPortIO, PIO: hv.PIORequest{
		Direction: hv.DirectionRead, Port: 0x80, Size: 1,
	}})
	assert.Equal(t, hv.StateSuccess, out.State)
	assert.Equal(t, uint32(0x5a), out.PIO.Value)
	assert.Equal(t, 1, env.drv.Notifications(0))
	assert.Equal(t, 1, env.drv.Notifications(1))
	assert.Equal(t, int64(2), env.counter(t, "devicemodel.vmexit.handled", "pio"))
}

func TestUnclaimedAccessCompletesWithAllOnes(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	env.serve(t)

	out := env.submit(t, 0, hv.Request{Reason: hv.ExitPortIO, PIO: hv.PIORequest{
		Direction: hv.DirectionRead, Port: 0x3f8, Size: 2,
	}})
	assert.Equal(t, hv.StateSuccess, out.State)
	assert.Equal(t, uint32(0xffffffff), out.PIO.Value)

	out = env.submit(t, 0, hv.Request{Reason: hv.ExitMMIO, MMIO: hv.MMIORequest{
		Direction: hv.DirectionRead, Address: 0xfe000000, Size: 8,
	}})
	assert.Equal(t, hv.StateSuccess, out.State)
	assert.Equal(t, ^uint64(0), out.MMIO.Value)
}

func TestWriteProtectIsMMIO(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	env.serve(t)

	out := env.submit(t, 2, hv.Request{Reason: hv.ExitWriteProtect, MMIO: hv.MMIORequest{
		Direction: hv.DirectionWrite, Address: 0xd0000004, Size: 4, Value: 1,
	}})
	assert.Equal(t, hv.StateSuccess, out.State)
	assert.Equal(t, []uint64{4}, env.mmios)
}

func TestPCIConfigRequests(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	env.serve(t)

	out := env.submit(t, 0, hv.Request{Reason: hv.ExitPCIConfig, PCI: hv.PCIRequest{
		Direction: hv.DirectionRead, Size: 4, Bus: 0, Dev: 3, Func: 1, Reg: 0x10,
	}})
	assert.Equal(t, hv.StateSuccess, out.State)
	assert.Equal(t, uint32(0x12345678), out.PCI.Value)

	env.submit(t, 0, hv.Request{Reason: hv.ExitPCIConfig, PCI: hv.PCIRequest{
		Direction: hv.DirectionWrite, Size: 2, Bus: 0, Dev: 3, Reg: 0x04, Value: 0x7,
	}})

	env.cfg.mu.Lock()
	defer env.cfg.mu.Unlock()
	assert.Equal(t, []configAccess{{addr: pci.Address{Slot: 3, Func: 1}, off: 0x10, size: 4}}, env.cfg.reads)
	assert.Equal(t, []configAccess{{addr: pci.Address{Slot: 3}, off: 0x04, size: 2, value: 0x7}}, env.cfg.writes)
}

func TestBookkeepingReasonsAcknowledge(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	env.serve(t)

	for _, r := range []hv.ExitReason{hv.ExitHalt, hv.ExitPause, hv.ExitMonitorTrap, hv.ExitIdleRequest, hv.ExitSpurious} {
		out := env.submit(t, 3, hv.Request{Reason: r})
		assert.Equal(t, hv.StateSuccess, out.State, r.String())
	}
	assert.Equal(t, 5, env.drv.Notifications(3))
}

func TestUnknownReasonIsFatal(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	done := env.serve(t)

	out := env.submit(t, 1, hv.Request{Reason: hv.ExitReason(42)})
	assert.Equal(t, hv.StateFailed, out.State)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrUnsupported)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after an unknown exit")
	}
	assert.Equal(t, 1, env.drv.Notifications(1))
	assert.Equal(t, int64(1), env.counter(t, "devicemodel.vmexit.failed", "ExitReason(42)"))
}

func TestAbortIsFatal(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	_, err := env.d.Register()
	require.NoError(t, err)

	require.NoError(t, env.drv.Post(0, hv.Request{Reason: hv.ExitMMIO, MMIO: hv.MMIORequest{
		Direction: hv.DirectionWrite, Address: 0xd0000010, Size: 4,
	}}))
	err = env.d.poll(context.Background())
	require.ErrorIs(t, err, hv.ErrAbort)

	var out hv.Request
	env.drv.Load(0, &out)
	assert.Equal(t, hv.StateFailed, out.State)
	assert.Equal(t, 1, env.drv.Notifications(0))
}

func TestSlotScanIsCapped(t *testing.T) {
	env := newTestEnv(t, 8, Options{SlotCount: 2})
	_, err := env.d.Register()
	require.NoError(t, err)

	require.NoError(t, env.drv.Post(1, hv.Request{Reason: hv.ExitHalt}))
	require.NoError(t, env.drv.Post(5, hv.Request{Reason: hv.ExitHalt}))
	require.NoError(t, env.d.poll(context.Background()))

	assert.Equal(t, 1, env.drv.Notifications(1))
	assert.Equal(t, 0, env.drv.Notifications(5))
}

func TestSkipsForeignAndIdleSlots(t *testing.T) {
	env := newTestEnv(t, 4, Options{})
	client, err := env.d.Register()
	require.NoError(t, err)

	require.NoError(t, env.drv.Set(0, hv.Request{Valid: true, State: hv.StateProcessing, Client: client + 1, Reason: hv.ExitHalt}))
	require.NoError(t, env.drv.Set(1, hv.Request{Valid: true, State: hv.StatePending, Client: client, Reason: hv.ExitHalt}))
	require.NoError(t, env.drv.Set(2, hv.Request{Valid: false, State: hv.StateProcessing, Client: client, Reason: hv.ExitHalt}))
	require.NoError(t, env.d.poll(context.Background()))

	for vcpu := range 4 {
		assert.Equal(t, 0, env.drv.Notifications(vcpu), "vcpu %d", vcpu)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	env := newTestEnv(t, 1, Options{})
	done := make(chan error, 1)
	go func() { done <- env.d.Run(context.Background()) }()

	require.NoError(t, env.drv.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
