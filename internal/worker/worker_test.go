package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/livesync"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/ratelimit"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

type fakeDevices struct {
	mu          sync.Mutex
	online      map[string]bool
	listener    func(device.Transition)
	disconnects []string
	logouts     []string
}

func newFakeDevices(online ...string) *fakeDevices {
	f := &fakeDevices{online: make(map[string]bool)}
	for _, id := range online {
		f.online[id] = true
	}
	return f
}

func (f *fakeDevices) Online() []*device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []*device.Device
	for id, on := range f.online {
		if on {
			list = append(list, &device.Device{ID: id, Status: device.StatusOnline})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (f *fakeDevices) IsOnline(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[id]
}

// set changes the status of a device and notifies the listener
func (f *fakeDevices) set(id string, on bool) {
	f.mu.Lock()
	was := f.online[id]
	f.online[id] = on
	listener := f.listener
	f.mu.Unlock()

	if listener == nil || was == on {
		return
	}
	tr := device.Transition{DeviceID: id, From: device.StatusOnline, To: device.StatusDisconnected}
	if on {
		tr.From, tr.To = device.StatusDisconnected, device.StatusOnline
	}
	listener(tr)
}

// logout takes a device offline the way an explicit logout does
func (f *fakeDevices) logout(id string) {
	f.mu.Lock()
	was := f.online[id]
	f.online[id] = false
	listener := f.listener
	f.mu.Unlock()

	if listener == nil {
		return
	}
	from := device.StatusDisconnected
	if was {
		from = device.StatusOnline
	}
	listener(device.Transition{DeviceID: id, From: from, To: device.StatusOffline})
}

func (f *fakeDevices) MarkDisconnected(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, id)
	f.mu.Unlock()
	f.set(id, false)
	return nil
}

func (f *fakeDevices) MarkLoggedOut(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	f.logouts = append(f.logouts, id)
	f.mu.Unlock()
	f.set(id, false)
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*transport.Message
	sendErr map[string]error
	block   chan struct{}
	started chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sendErr: make(map[string]error), started: make(chan string, 16)}
}

func (f *fakeTransport) Pair(ctx context.Context, id string, req transport.PairRequest) (*transport.PairResult, error) {
	return &transport.PairResult{}, nil
}
func (f *fakeTransport) Connect(ctx context.Context, id string, session []byte) error { return nil }
func (f *fakeTransport) Disconnect(ctx context.Context, id string) error               { return nil }
func (f *fakeTransport) Logout(ctx context.Context, id string) error                   { return nil }
func (f *fakeTransport) IsConnected(ctx context.Context, id string) (bool, error)      { return true, nil }

func (f *fakeTransport) Send(ctx context.Context, id string, msg *transport.Message) (*transport.SendResult, error) {
	f.started <- id

	f.mu.Lock()
	block := f.block
	err := f.sendErr[id]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return &transport.SendResult{MessageID: "m-" + msg.ID}, nil
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var to []string
	for _, m := range f.sent {
		to = append(to, m.To)
	}
	return to
}

type recorder struct {
	mu     sync.Mutex
	events []livesync.Event
}

func (r *recorder) Publish(e livesync.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(code livesync.Code, deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Code == code && e.DeviceID == deviceID {
			n++
		}
	}
	return n
}

type testEnv struct {
	queue     *queue.BoltStorage
	devices   *fakeDevices
	transport *fakeTransport
	events    *recorder
	pool      *Pool
}

func newTestEnv(t *testing.T, online ...string) *testEnv {
	t.Helper()

	q, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}

	env := &testEnv{
		queue:     q,
		devices:   newFakeDevices(online...),
		transport: newFakeTransport(),
		events:    &recorder{},
	}
	env.pool = New(Options{
		Queue:     q,
		Devices:   env.devices,
		Transport: env.transport,
		Events:    env.events,
		Config: Config{
			DefaultMinDelay: time.Millisecond,
			DefaultMaxDelay: 2 * time.Millisecond,
			IdleInterval:    10 * time.Millisecond,
			MaxQuotaWait:    20 * time.Millisecond,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	env.devices.listener = env.pool.DeviceListener()

	t.Cleanup(func() {
		env.pool.StopAll()
		q.Close()
	})
	return env
}

func (env *testEnv) enqueue(t *testing.T, deviceID string, n int) []*queue.Target {
	t.Helper()
	var targets []*queue.Target
	for i := 0; i < n; i++ {
		targets = append(targets, &queue.Target{
			CampaignID:  "c1",
			DeviceID:    deviceID,
			Contact:     queue.Contact{Name: fmt.Sprintf("Lead %c", 'A'+i), Phone: fmt.Sprintf("%s-%d", deviceID, i)},
			MessageType: string(transport.MessageText),
			Content:     "Hi {name}",
		})
	}
	res, err := env.queue.Enqueue(context.Background(), targets)
	if err != nil || res.Count != n {
		t.Fatalf("Enqueue() = %+v, %v", res, err)
	}
	return res.Enqueued
}

func (env *testEnv) statusOf(t *testing.T, id string) queue.Status {
	t.Helper()
	got, err := env.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return got.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerRunsOnlyForOnlineDevices(t *testing.T) {
	env := newTestEnv(t, "d1", "d2")
	p := env.pool

	if n := p.Start(context.Background()); n != 2 {
		t.Fatalf("Start() = %d, want 2", n)
	}
	if p.Running("d3") {
		t.Error("worker running for unknown device d3")
	}
	if err := p.StartDevice("d3"); !errors.Is(err, ErrDeviceNotOnline) {
		t.Errorf("StartDevice(d3) error = %v, want ErrDeviceNotOnline", err)
	}

	// Starting twice keeps one worker
	if err := p.StartDevice("d1"); err != nil {
		t.Fatalf("StartDevice(d1) error = %v", err)
	}
	if p.Count() != 2 {
		t.Errorf("Count() = %d, want 2", p.Count())
	}

	env.devices.set("d1", false)
	waitFor(t, "d1 worker to stop", func() bool { return !p.Running("d1") })
	waitFor(t, "WORKER_STOPPED for d1", func() bool { return env.events.count(livesync.WorkerStopped, "d1") == 1 })

	env.devices.set("d3", true)
	waitFor(t, "d3 worker to start", func() bool { return p.Running("d3") })

	states := p.States()
	if len(states) != 3 || states[0].DeviceID != "d1" || states[1].DeviceID != "d2" || states[2].DeviceID != "d3" {
		t.Fatalf("States() = %+v, want d1 (paused), d2 and d3", states)
	}
	if states[0].Running || !states[0].Paused {
		t.Errorf("d1 state = %+v, want paused", states[0])
	}
	if !states[2].Running || states[2].Paused {
		t.Errorf("d3 state = %+v, want running", states[2])
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, "d1", "d2")
	p := env.pool
	p.cfg.IdleInterval = time.Hour
	p.Start(context.Background())

	// Let both workers go idle
	time.Sleep(20 * time.Millisecond)

	// d2 goes away without a transition, d3 appears without one
	env.devices.mu.Lock()
	env.devices.online["d2"] = false
	env.devices.online["d3"] = true
	env.devices.mu.Unlock()

	res := p.HealthCheck()
	if len(res.Stopped) != 1 || res.Stopped[0] != "d2" {
		t.Errorf("Stopped = %v, want [d2]", res.Stopped)
	}
	if len(res.Started) != 1 || res.Started[0] != "d3" {
		t.Errorf("Started = %v, want [d3]", res.Started)
	}
	if res.Running != 2 || !p.Running("d1") || !p.Running("d3") {
		t.Errorf("running = %d, want d1 and d3", res.Running)
	}
}

func TestDelayBounds(t *testing.T) {
	p := New(Options{})

	tests := []struct {
		name     string
		min, max int
		lo, hi   time.Duration
	}{
		{"range", 2, 4, 2 * time.Second, 4 * time.Second},
		{"fixed", 3, 3, 3 * time.Second, 3 * time.Second},
		{"defaults", 0, 0, 10 * time.Second, 30 * time.Second},
		{"max below min", 5, 1, 5 * time.Second, 5 * time.Second},
		{"only max", 0, 2, 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &queue.Target{MinDelaySeconds: tt.min, MaxDelaySeconds: tt.max}
			for i := 0; i < 1000; i++ {
				d := p.delay(target)
				if d < tt.lo || d > tt.hi {
					t.Fatalf("delay() = %v, want within [%v, %v]", d, tt.lo, tt.hi)
				}
			}
		})
	}
}

func TestWorkerSendsInEnqueueOrder(t *testing.T) {
	env := newTestEnv(t, "d1")
	targets := env.enqueue(t, "d1", 3)

	env.pool.Start(context.Background())
	waitFor(t, "3 sends", func() bool { return len(env.transport.sentTo()) == 3 })

	sent := env.transport.sentTo()
	for i, target := range targets {
		if sent[i] != target.Contact.Phone {
			t.Errorf("send %d went to %s, want %s", i, sent[i], target.Contact.Phone)
		}
	}

	env.transport.mu.Lock()
	first := env.transport.sent[0]
	env.transport.mu.Unlock()
	if first.Content != "Hi Lead A" || first.Type != transport.MessageText {
		t.Errorf("first message = %+v, want rendered text", first)
	}

	waitFor(t, "targets to be sent", func() bool {
		return env.statusOf(t, targets[2].ID) == queue.StatusSent
	})
	got, _ := env.queue.Get(context.Background(), targets[0].ID)
	if got.MessageID != "m-"+targets[0].ID {
		t.Errorf("MessageID = %q", got.MessageID)
	}

	state, _ := env.pool.State("d1")
	if state.Sent != 3 || state.Failed != 0 {
		t.Errorf("state = %+v, want 3 sent", state)
	}
}

func TestDisconnectFinishesInFlightSend(t *testing.T) {
	env := newTestEnv(t, "d1")
	targets := env.enqueue(t, "d1", 4)

	env.transport.block = make(chan struct{})
	if err := env.pool.StartDevice("d1"); err != nil {
		t.Fatalf("StartDevice() error = %v", err)
	}

	select {
	case <-env.transport.started:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not start")
	}

	env.devices.set("d1", false)
	close(env.transport.block)

	waitFor(t, "worker to stop", func() bool { return !env.pool.Running("d1") })
	waitFor(t, "WORKER_STOPPED", func() bool { return env.events.count(livesync.WorkerStopped, "d1") == 1 })

	if s := env.statusOf(t, targets[0].ID); s != queue.StatusSent {
		t.Errorf("in-flight target status = %s, want sent", s)
	}
	for _, target := range targets[1:] {
		if s := env.statusOf(t, target.ID); s != queue.StatusPending {
			t.Errorf("target %s status = %s, want pending", target.Contact.Phone, s)
		}
	}
}

func TestStartReleasesLeftoverClaims(t *testing.T) {
	env := newTestEnv(t, "d1")
	ctx := context.Background()
	targets := env.enqueue(t, "d1", 3)

	// Two claims left behind by a worker that died without releasing
	for i := 0; i < 2; i++ {
		if c, err := env.queue.Claim(ctx, "d1"); err != nil || c == nil {
			t.Fatalf("Claim() = %v, %v", c, err)
		}
	}

	if n := env.pool.Start(ctx); n != 1 {
		t.Fatalf("Start() = %d, want 1", n)
	}
	waitFor(t, "all targets to be sent", func() bool { return len(env.transport.sentTo()) == 3 })

	got := env.transport.sentTo()
	for i, target := range targets {
		if got[i] != target.Contact.Phone {
			t.Fatalf("send order = %v, want enqueue order", got)
		}
	}
}

func TestCountersSurviveReconnect(t *testing.T) {
	env := newTestEnv(t, "d1")
	env.enqueue(t, "d1", 2)

	env.pool.Start(context.Background())
	waitFor(t, "two sends", func() bool {
		st, _ := env.pool.State("d1")
		return st.Sent == 2
	})

	env.devices.set("d1", false)
	waitFor(t, "worker to pause", func() bool {
		st, _ := env.pool.State("d1")
		return st.Paused
	})

	paused, ok := env.pool.State("d1")
	if !ok || !paused.Paused || paused.Sent != 2 {
		t.Fatalf("paused state = %+v, %v, want paused with 2 sent", paused, ok)
	}

	env.devices.set("d1", true)
	waitFor(t, "worker to resume", func() bool { return env.pool.Running("d1") })

	resumed, _ := env.pool.State("d1")
	if resumed.Paused || resumed.Sent != 2 {
		t.Errorf("resumed state = %+v, want running with 2 sent", resumed)
	}

	// Logging out ends the session and its counters
	env.devices.logout("d1")
	waitFor(t, "worker to stop", func() bool { return !env.pool.Running("d1") })
	if st, ok := env.pool.State("d1"); ok {
		t.Errorf("state after logout = %+v, want none", st)
	}
}

func TestStopAllFinishesInFlightSends(t *testing.T) {
	env := newTestEnv(t, "d1", "d2")
	ctx := context.Background()
	env.enqueue(t, "d1", 2)
	env.enqueue(t, "d2", 2)

	env.transport.block = make(chan struct{})
	env.pool.Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-env.transport.started:
		case <-time.After(5 * time.Second):
			t.Fatal("sends did not start")
		}
	}

	stopped := make(chan int)
	go func() { stopped <- env.pool.StopAll() }()

	select {
	case <-stopped:
		t.Fatal("StopAll returned while sends were in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(env.transport.block)
	select {
	case n := <-stopped:
		if n != 2 {
			t.Errorf("StopAll() = %d, want 2", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll did not return")
	}

	stats, err := env.queue.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Sent != 2 || stats.Pending != 2 || stats.Claimed != 0 {
		t.Errorf("stats = %+v, want 2 sent, 2 pending, none claimed", stats)
	}

	// Halted: nothing restarts on its own
	if res := env.pool.HealthCheck(); len(res.Started) != 0 {
		t.Errorf("HealthCheck() started %v while halted", res.Started)
	}
	env.devices.set("d1", false)
	env.devices.set("d1", true)
	time.Sleep(30 * time.Millisecond)
	if env.pool.Count() != 0 {
		t.Errorf("Count() = %d after a reconnect while halted, want 0", env.pool.Count())
	}

	env.pool.Start(ctx)
	waitFor(t, "remaining sends", func() bool { return len(env.transport.sentTo()) == 4 })
}

func TestSessionErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantDisconnect bool
		wantLogout     bool
	}{
		{"not connected", transport.ErrNotConnected, true, false},
		{"revoked", transport.ErrSessionRevoked, false, true},
		{"message failure", errors.New("recipient not on whatsapp"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "d1")
			targets := env.enqueue(t, "d1", 1)
			env.transport.sendErr["d1"] = tt.err

			env.pool.Start(context.Background())
			waitFor(t, "target to fail", func() bool {
				return env.statusOf(t, targets[0].ID) == queue.StatusFailed
			})

			got, _ := env.queue.Get(context.Background(), targets[0].ID)
			if got.LastError != tt.err.Error() {
				t.Errorf("LastError = %q, want %q", got.LastError, tt.err.Error())
			}

			marks := func() (int, int) {
				env.devices.mu.Lock()
				defer env.devices.mu.Unlock()
				return len(env.devices.disconnects), len(env.devices.logouts)
			}

			if tt.wantDisconnect || tt.wantLogout {
				waitFor(t, "worker to suspend", func() bool { return !env.pool.Running("d1") })
			} else {
				time.Sleep(30 * time.Millisecond)
				if !env.pool.Running("d1") {
					t.Error("worker stopped after a message failure")
				}
			}

			disconnects, logouts := marks()
			if (disconnects == 1) != tt.wantDisconnect || (logouts == 1) != tt.wantLogout {
				t.Errorf("disconnects = %d, logouts = %d", disconnects, logouts)
			}
		})
	}
}

type fakeQuota struct {
	mu      sync.Mutex
	allowed bool
	denials int
	calls   int
}

func (f *fakeQuota) Allow(ctx context.Context, deviceID string) (*ratelimit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.allowed {
		f.denials++
		return &ratelimit.Result{Allowed: false, DeniedBy: ratelimit.LevelDevice, RetryAfter: time.Hour}, nil
	}
	return &ratelimit.Result{Allowed: true}, nil
}

func TestQuotaHoldsTargets(t *testing.T) {
	env := newTestEnv(t, "d1")
	quota := &fakeQuota{}
	env.pool.quota = quota
	targets := env.enqueue(t, "d1", 1)

	env.pool.Start(context.Background())
	waitFor(t, "quota denials", func() bool {
		quota.mu.Lock()
		defer quota.mu.Unlock()
		return quota.denials >= 2
	})

	if n := len(env.transport.sentTo()); n != 0 {
		t.Fatalf("sent %d messages over quota", n)
	}
	if s := env.statusOf(t, targets[0].ID); s == queue.StatusSent || s == queue.StatusFailed {
		t.Fatalf("status = %s, want the target kept in circulation", s)
	}

	quota.mu.Lock()
	quota.allowed = true
	quota.mu.Unlock()
	waitFor(t, "send after quota", func() bool { return len(env.transport.sentTo()) == 1 })
}

type pacerFunc func(ctx context.Context, deviceID string) error

func (f pacerFunc) Wait(ctx context.Context, deviceID string) error { return f(ctx, deviceID) }

func TestQuotaNotSpentOnReleasedTarget(t *testing.T) {
	env := newTestEnv(t, "d1")
	quota := &fakeQuota{allowed: true}
	env.pool.quota = quota

	paced := make(chan struct{})
	var once sync.Once
	env.pool.pacer = pacerFunc(func(ctx context.Context, deviceID string) error {
		// The device drops while the worker waits for its slot
		env.devices.set(deviceID, false)
		once.Do(func() { close(paced) })
		return nil
	})
	targets := env.enqueue(t, "d1", 1)

	env.pool.Start(context.Background())
	<-paced
	waitFor(t, "worker to stop", func() bool { return !env.pool.Running("d1") })

	quota.mu.Lock()
	calls := quota.calls
	quota.mu.Unlock()
	if calls != 0 {
		t.Errorf("quota counted %d sends for a released target", calls)
	}
	if s := env.statusOf(t, targets[0].ID); s != queue.StatusPending {
		t.Errorf("status = %s, want pending", s)
	}
	if n := len(env.transport.sentTo()); n != 0 {
		t.Errorf("sent %d messages", n)
	}
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t, "d1")
	p := env.pool

	started, err := p.Restart("d2")
	if err != nil || started {
		t.Errorf("Restart(offline) = %v, %v, want no-op", started, err)
	}

	p.StartDevice("d1")
	before, _ := p.State("d1")

	time.Sleep(5 * time.Millisecond)
	started, err = p.Restart("d1")
	if err != nil || !started {
		t.Fatalf("Restart(d1) = %v, %v", started, err)
	}
	after, _ := p.State("d1")
	if !after.StartedAt.After(before.StartedAt) {
		t.Error("Restart did not launch a new worker")
	}
	if p.Count() != 1 {
		t.Errorf("Count() = %d, want 1", p.Count())
	}
}

func TestWake(t *testing.T) {
	env := newTestEnv(t, "d1")
	env.pool.cfg.IdleInterval = time.Hour
	env.pool.Start(context.Background())

	// Let the worker find an empty queue and go idle
	time.Sleep(20 * time.Millisecond)
	env.enqueue(t, "d1", 1)
	env.pool.Wake("d1")

	waitFor(t, "send after wake", func() bool { return len(env.transport.sentTo()) == 1 })
}
