package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rocket-groundstation/common"
	"rocket-groundstation/csvlog"
	"rocket-groundstation/hub"
	"rocket-groundstation/serial"
	"rocket-groundstation/telemetry"
)

// pipePort - порт, в который тест пишет строки со стороны устройства
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pipePort) sent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// emit пишет строки со стороны устройства
func (p *pipePort) emit(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := p.w.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
}

type fakeOpener struct {
	mu    sync.Mutex
	ports map[string]*pipePort
	fail  map[string]error
	gate  chan struct{}
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{ports: make(map[string]*pipePort), fail: make(map[string]error)}
}

func (o *fakeOpener) Open(path string, _ int) (serial.Port, error) {
	if o.gate != nil {
		<-o.gate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[path]; err != nil {
		return nil, err
	}
	p := newPipePort()
	o.ports[path] = p
	return p, nil
}

func (o *fakeOpener) port(path string) *pipePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[path]
}

// recorder собирает события: используется и как реестр зрителей, и как Replier
type recorder struct {
	mu      sync.Mutex
	events  []common.Event
	viewers map[string]hub.Viewer
}

func newRecorder() *recorder {
	return &recorder{viewers: make(map[string]hub.Viewer)}
}

func (r *recorder) Publish(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, common.Event{Name: event, Data: payload})
	targets := make([]hub.Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		targets = append(targets, v)
	}
	r.mu.Unlock()
	for _, v := range targets {
		v.Send(common.Event{Name: event, Data: payload})
	}
}

func (r *recorder) Reply(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, common.Event{Name: event, Data: payload})
}

func (r *recorder) Add(v hub.Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers[v.ID()] = v
}

func (r *recorder) Remove(v hub.Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.viewers, v.ID())
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) last(name string) (common.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return common.Event{}, false
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// fakePeer - зритель с собственной лентой событий
type fakePeer struct {
	recorder
	id string
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{recorder: recorder{viewers: map[string]hub.Viewer{}}, id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(ev common.Event) bool {
	p.Reply(ev.Name, ev.Data)
	return true
}

type sinkRecord struct {
	mu    sync.Mutex
	files []*csvlog.File
	fail  error
}

func (s *sinkRecord) factory(dir string, rev telemetry.Revision) SinkFactory {
	return func(started time.Time) (Sink, error) {
		if s.fail != nil {
			return nil, s.fail
		}
		f, err := csvlog.CreateFile(dir, started, rev)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.files = append(s.files, f)
		s.mu.Unlock()
		return csvlog.NewSink(csvlog.DefaultConfig(), f, csvlog.Options{}), nil
	}
}

func (s *sinkRecord) file(i int) *csvlog.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[i]
}

type harness struct {
	session *Session
	opener  *fakeOpener
	viewers *recorder
	sinks   *sinkRecord
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		opener:  newFakeOpener(),
		viewers: newRecorder(),
		sinks:   &sinkRecord{},
		stopped: make(chan struct{}),
	}

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var tick time.Duration
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick += time.Second
		return started.Add(tick)
	}

	h.session = New(Config{Revision: telemetry.Extended, WriteTimeout: time.Second}, Deps{
		Opener: h.opener,
		Lister: func() ([]serial.PortInfo, error) {
			return []serial.PortInfo{{Path: "/dev/ttyUSB0", IsUSB: true}}, nil
		},
		Sinks:   h.sinks.factory(t.TempDir(), telemetry.Extended),
		Viewers: h.viewers,
		Clock:   clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.session.Run(ctx)
		close(h.stopped)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.stopped
}

// connect открывает порт и ждет перехода в Open
func (h *harness) connect(t *testing.T, r common.Replier, path string) *pipePort {
	t.Helper()
	h.session.Connect(r, path, 115200)
	require.Eventually(t, func() bool { return h.session.State() == Open && h.opener.port(path) != nil },
		2*time.Second, 5*time.Millisecond)
	return h.opener.port(path)
}

var errNoDevice = errors.New("no such device")

// call выполняет op в цикле и дожидается завершения
func (s *Session) call(op func()) bool {
	finished := make(chan struct{})
	if !s.post(func() { op(); close(finished) }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}
