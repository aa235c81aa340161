package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
	"github.com/edirooss/streamdist-server/internal/state"
	"github.com/edirooss/streamdist-server/internal/supervisor"
	"go.uber.org/zap"
)

// fakeInputStore is an in-memory InputStore. Upsert failures can be injected
// to exercise the rollback branches.
type fakeInputStore struct {
	mu        sync.Mutex
	inputs    map[int64]*stream.Input
	nextID    int64
	nextOID   map[int64]int64
	upsertErr error // returned by the next Upsert, then cleared
}

func newFakeInputStore() *fakeInputStore {
	return &fakeInputStore{
		inputs:  make(map[int64]*stream.Input),
		nextOID: make(map[int64]int64),
	}
}

func cloneInput(in *stream.Input) *stream.Input {
	cp := *in
	cp.Outputs = make([]*stream.Output, len(in.Outputs))
	for i, o := range in.Outputs {
		cp.Outputs[i] = o.Clone()
	}
	return &cp
}

func (f *fakeInputStore) failNextUpsert(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

func (f *fakeInputStore) GenerateID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeInputStore) GenerateOutputID(_ context.Context, inputID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextOID[inputID]++
	return f.nextOID[inputID], nil
}

func (f *fakeInputStore) Upsert(_ context.Context, in *stream.Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		err := f.upsertErr
		f.upsertErr = nil
		return err
	}
	f.inputs[in.ID] = cloneInput(in)
	return nil
}

func (f *fakeInputStore) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inputs[id]; !ok {
		return ErrInputNotFound
	}
	delete(f.inputs, id)
	return nil
}

func (f *fakeInputStore) HasID(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inputs[id]
	return ok, nil
}

func (f *fakeInputStore) GetByID(_ context.Context, id int64) (*stream.Input, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inputs[id]
	if !ok {
		return nil, ErrInputNotFound
	}
	return cloneInput(in), nil
}

func (f *fakeInputStore) GetAll(context.Context) ([]*stream.Input, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*stream.Input, 0, len(f.inputs))
	for _, in := range f.inputs {
		out = append(out, cloneInput(in))
	}
	return out, nil
}

// spawnRecorder captures the destination URL of every worker spawn.
type spawnRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (r *spawnRecorder) record(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, u)
}

func (r *spawnRecorder) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func newTestService(t *testing.T) (*DistributionService, *fakeInputStore, *spawnRecorder) {
	t.Helper()
	fake := newFakeInputStore()
	rec := &spawnRecorder{}

	svc := &DistributionService{
		log:    zap.NewNop(),
		inputs: fake,
		store:  state.NewStore(),
		bus:    state.NewBus(zap.NewNop()),
		logs:   procmgr.NewLogManager(),
		command: func(out *stream.Output, readerURL string) []string {
			rec.record(out.URL)
			return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
		},
		ready:    func(line string) bool { return strings.Contains(line, "READY") },
		managers: make(map[int64]*supervisor.InputManager),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = svc.StopAll(ctx)
	})
	return svc, fake, rec
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// seedRunningOutput creates one input with one enabled output and brings the
// output to running. Returns the input and the running output's snapshot.
func seedRunningOutput(t *testing.T, svc *DistributionService, url string) (*stream.Input, state.OutputSnapshot) {
	t.Helper()
	ctx := context.Background()

	in := &stream.Input{
		Name:       "studio",
		ListenAddr: freeUDPAddr(t),
		Outputs: []*stream.Output{{
			Name:      "cdn",
			Protocol:  stream.ProtocolUDP,
			URL:       url,
			Enabled:   true,
			Reconnect: stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 0},
		}},
	}
	if err := svc.CreateInput(ctx, in); err != nil {
		t.Fatalf("create input: %v", err)
	}
	if err := svc.StartInput(ctx, in.ID); err != nil {
		t.Fatalf("start input: %v", err)
	}
	snap := waitOutput(t, svc, in.ID, in.Outputs[0].ID,
		func(s state.OutputSnapshot) bool { return s.Status == stream.OutputRunning }, 5*time.Second)
	return in, snap
}

func waitOutput(t *testing.T, svc *DistributionService, inputID, outputID int64,
	ok func(state.OutputSnapshot) bool, timeout time.Duration) state.OutputSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last state.OutputSnapshot
	for {
		view, err := svc.GetStatus(inputID)
		if err == nil {
			for _, s := range view.Outputs {
				if s.OutputID == outputID {
					last = s
					if ok(s) {
						return s
					}
				}
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("output never reached wanted state; last snapshot: %+v", last)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpdateOutputSwapsWorkerOnNewDestination(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	oldURL := "udp://127.0.0.1:9801"
	newURL := "udp://127.0.0.1:9802"
	in, before := seedRunningOutput(t, svc, oldURL)
	oid := in.Outputs[0].ID

	desired := in.Outputs[0].Clone()
	desired.URL = newURL
	if err := svc.UpdateOutput(ctx, in.ID, desired); err != nil {
		t.Fatalf("update output: %v", err)
	}

	after := waitOutput(t, svc, in.ID, oid, func(s state.OutputSnapshot) bool {
		return s.Status == stream.OutputRunning && s.PID != before.PID
	}, 5*time.Second)
	if after.PID == before.PID {
		t.Fatalf("worker PID unchanged (%d) after destination change", after.PID)
	}

	urls := rec.URLs()
	if len(urls) != 2 || urls[0] != oldURL || urls[1] != newURL {
		t.Fatalf("spawn destinations = %v, want [%s %s]", urls, oldURL, newURL)
	}

	got, err := svc.GetOutput(ctx, in.ID, oid)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if got.URL != newURL {
		t.Errorf("persisted URL = %q, want %q", got.URL, newURL)
	}
}

func TestUpdateOutputRollsBackWhenPersistFails(t *testing.T) {
	svc, fake, rec := newTestService(t)
	ctx := context.Background()

	oldURL := "udp://127.0.0.1:9803"
	in, before := seedRunningOutput(t, svc, oldURL)
	oid := in.Outputs[0].ID

	fake.failNextUpsert(errors.New("redis down"))

	desired := in.Outputs[0].Clone()
	desired.URL = "udp://127.0.0.1:9804"
	if err := svc.UpdateOutput(ctx, in.ID, desired); err == nil {
		t.Fatal("update output succeeded despite persist failure")
	}

	// The previous config must be restored and its worker brought back.
	waitOutput(t, svc, in.ID, oid, func(s state.OutputSnapshot) bool {
		return s.Status == stream.OutputRunning && s.PID != before.PID
	}, 5*time.Second)

	got, err := svc.GetOutput(ctx, in.ID, oid)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if got.URL != oldURL {
		t.Errorf("persisted URL = %q after rollback, want %q", got.URL, oldURL)
	}

	urls := rec.URLs()
	if len(urls) != 2 || urls[1] != oldURL {
		t.Fatalf("spawn destinations = %v, want second spawn back on %s", urls, oldURL)
	}
}

func TestUpdateOutputKeepsWorkerWhenDestinationUnchanged(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	url := "udp://127.0.0.1:9805"
	in, before := seedRunningOutput(t, svc, url)
	oid := in.Outputs[0].ID

	desired := in.Outputs[0].Clone()
	desired.Name = "cdn-renamed"
	if err := svc.UpdateOutput(ctx, in.ID, desired); err != nil {
		t.Fatalf("update output: %v", err)
	}

	// Give a would-be restart time to show up, then confirm it did not.
	time.Sleep(200 * time.Millisecond)
	after := waitOutput(t, svc, in.ID, oid,
		func(s state.OutputSnapshot) bool { return s.Status == stream.OutputRunning }, time.Second)
	if after.PID != before.PID {
		t.Errorf("worker restarted on rename: PID %d -> %d", before.PID, after.PID)
	}
	if after.Name != "cdn-renamed" {
		t.Errorf("snapshot name = %q, want %q", after.Name, "cdn-renamed")
	}
	if urls := rec.URLs(); len(urls) != 1 {
		t.Errorf("spawns = %v, want a single spawn", urls)
	}

	got, err := svc.GetOutput(ctx, in.ID, oid)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if got.Name != "cdn-renamed" {
		t.Errorf("persisted name = %q, want %q", got.Name, "cdn-renamed")
	}
}

func TestDuplicateOutputNamesRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	in := &stream.Input{
		Name:       "studio",
		ListenAddr: freeUDPAddr(t),
		Outputs: []*stream.Output{{
			Name:     "cdn",
			Protocol: stream.ProtocolUDP,
			URL:      "udp://127.0.0.1:9806",
		}},
	}
	if err := svc.CreateInput(ctx, in); err != nil {
		t.Fatalf("create input: %v", err)
	}

	dup := &stream.Output{
		Name:     "cdn",
		Protocol: stream.ProtocolRTMP,
		URL:      "rtmp://cdn.example.com/live/key",
	}
	if err := svc.CreateOutput(ctx, in.ID, dup); !errors.Is(err, stream.ErrInvalidConfig) {
		t.Fatalf("CreateOutput(duplicate name) = %v, want ErrInvalidConfig", err)
	}

	second := &stream.Output{
		Name:     "backup",
		Protocol: stream.ProtocolUDP,
		URL:      "udp://127.0.0.1:9807",
	}
	if err := svc.CreateOutput(ctx, in.ID, second); err != nil {
		t.Fatalf("create second output: %v", err)
	}

	renamed := second.Clone()
	renamed.Name = "cdn"
	if err := svc.UpdateOutput(ctx, in.ID, renamed); !errors.Is(err, stream.ErrInvalidConfig) {
		t.Fatalf("UpdateOutput(colliding rename) = %v, want ErrInvalidConfig", err)
	}
}
