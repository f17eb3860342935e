package csvlog

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rocket-groundstation/common"
)

// fakeWriter запоминает пачки и может отказывать
type fakeWriter struct {
	mu      sync.Mutex
	batches [][]*common.Telemetry
	fail    int // Сколько следующих записей завершить ошибкой
	gate    chan struct{}
	closed  bool
}

func (w *fakeWriter) WriteBatch(records []*common.Telemetry) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("disk full")
	}
	w.batches = append(w.batches, records)
	return nil
}

func (w *fakeWriter) Name() string { return "telemetry_test.csv" }

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) all() []*common.Telemetry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*common.Telemetry
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func (w *fakeWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.batches))
	for i, b := range w.batches {
		out[i] = len(b)
	}
	return out
}

// manualScheduler хранит таймеры до явного Fire
type manualScheduler struct {
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (m *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{delay: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualScheduler) active() []*manualTimer {
	var out []*manualTimer
	for _, t := range m.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire запускает последний активный таймер
func (m *manualScheduler) fire(t *testing.T) {
	t.Helper()
	active := m.active()
	require.NotEmpty(t, active, "no armed timer")
	timer := active[len(active)-1]
	timer.stopped = true
	timer.f()
}

type inlineExecutor struct{}

func (inlineExecutor) Go(f func()) { f() }

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestSink(writer *fakeWriter, sched *manualScheduler, clock *fakeClock) *Sink {
	return NewSink(DefaultConfig(), writer, Options{
		Scheduler: sched,
		Executor:  inlineExecutor{},
		Clock:     clock.Now,
	})
}

func makeRecords(n int) []*common.Telemetry {
	out := make([]*common.Telemetry, n)
	for i := range out {
		out[i] = &common.Telemetry{Timestamp: strconv.Itoa(i)}
	}
	return out
}

func TestSinkFlushesAtBatchSize(t *testing.T) {
	writer := &fakeWriter{}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	recs := makeRecords(200)
	for _, rec := range recs {
		require.NoError(t, sink.Enqueue(rec))
	}

	assert.Equal(t, []int{200}, writer.sizes(), "exactly one flush of B records")
	assert.Equal(t, recs, writer.all())
	assert.Zero(t, sink.Pending())
	assert.Empty(t, sched.active(), "timer must not stay armed for an empty buffer")
}

func TestSinkFlushesAfterInterval(t *testing.T) {
	writer := &fakeWriter{}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	require.NoError(t, sink.Enqueue(&common.Telemetry{Timestamp: "1"}))
	assert.Empty(t, writer.sizes())

	active := sched.active()
	require.Len(t, active, 1)
	assert.Equal(t, 5*time.Second, active[0].delay)

	clock.Advance(5 * time.Second)
	sched.fire(t)

	assert.Equal(t, []int{1}, writer.sizes(), "exactly one flush of 1 record")
	assert.Empty(t, sched.active())
}

func TestSinkSingleTimerWhileAccumulating(t *testing.T) {
	writer := &fakeWriter{}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	for _, rec := range makeRecords(10) {
		require.NoError(t, sink.Enqueue(rec))
		clock.Advance(100 * time.Millisecond)
	}

	assert.Len(t, sched.timers, 1, "one pending timer handle owned by the sink")
}

func TestSinkEnqueueFlushesWhenOldestIsStale(t *testing.T) {
	writer := &fakeWriter{}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	require.NoError(t, sink.Enqueue(&common.Telemetry{}))
	clock.Advance(6 * time.Second)
	require.NoError(t, sink.Enqueue(&common.Telemetry{}))

	assert.Equal(t, []int{2}, writer.sizes())
}

func TestSinkRetainsBatchOnFailure(t *testing.T) {
	writer := &fakeWriter{fail: 1}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	require.NoError(t, sink.Enqueue(&common.Telemetry{Timestamp: "a"}))
	clock.Advance(5 * time.Second)
	sched.fire(t)

	assert.Empty(t, writer.sizes())
	assert.Equal(t, 1, sink.Pending(), "failed batch must stay pending")

	active := sched.active()
	require.Len(t, active, 1, "timer re-arms after a failed attempt")
	assert.Equal(t, time.Second, active[0].delay, "stale batch retries after the minimum delay")

	clock.Advance(time.Second)
	sched.fire(t)
	assert.Equal(t, []int{1}, writer.sizes())
	assert.Zero(t, sink.Pending())
}

func TestSinkNoLossNoDuplication(t *testing.T) {
	writer := &fakeWriter{}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	recs := makeRecords(537)
	for i, rec := range recs {
		if i%97 == 0 {
			writer.mu.Lock()
			writer.fail = 1
			writer.mu.Unlock()
		}
		require.NoError(t, sink.Enqueue(rec))
		clock.Advance(37 * time.Millisecond)
		if i%50 == 0 && len(sched.active()) > 0 {
			sched.fire(t)
		}
	}

	// Незаписанное + записанное = все поставленные записи
	written := writer.all()
	assert.Equal(t, len(recs), len(written)+sink.Pending())

	require.NoError(t, sink.Close())
	assert.Equal(t, recs, writer.all(), "every record exactly once, in order")
	assert.True(t, writer.closed)
}

func TestSinkCloseFlushesPending(t *testing.T) {
	writer := &fakeWriter{}
	sched := &manualScheduler{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	sink := newTestSink(writer, sched, clock)

	for _, rec := range makeRecords(3) {
		require.NoError(t, sink.Enqueue(rec))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, []int{3}, writer.sizes())
	assert.Empty(t, sched.active())
	assert.ErrorIs(t, sink.Enqueue(&common.Telemetry{}), ErrClosed)
	assert.NoError(t, sink.Close(), "second close is a no-op")
}

func TestSinkCloseReportsFailedFinalFlush(t *testing.T) {
	writer := &fakeWriter{fail: finalFlushAttempts}
	sink := newTestSink(writer, &manualScheduler{}, &fakeClock{now: time.Unix(1700000000, 0)})

	require.NoError(t, sink.Enqueue(&common.Telemetry{}))
	err := sink.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 records")
	assert.Empty(t, writer.all())
}

func TestSinkCloseRetriesFinalFlush(t *testing.T) {
	writer := &fakeWriter{fail: 1}
	sink := newTestSink(writer, &manualScheduler{}, &fakeClock{now: time.Unix(1700000000, 0)})

	recs := makeRecords(3)
	for _, r := range recs {
		require.NoError(t, sink.Enqueue(r))
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, recs, writer.all())
	assert.Zero(t, sink.Pending())
	assert.True(t, writer.closed)
}

func TestSinkSerializesWrites(t *testing.T) {
	writer := &fakeWriter{gate: make(chan struct{})}
	sched := &manualScheduler{}
	sink := NewSink(Config{BatchSize: 2, FlushInterval: time.Minute, MinDelay: time.Second}, writer, Options{
		Scheduler: sched,
		Executor:  GoExecutor{},
	})

	recs := makeRecords(5)
	require.NoError(t, sink.Enqueue(recs[0]))
	require.NoError(t, sink.Enqueue(recs[1])) // Запускает запись, которая висит на gate

	// Пока запись висит, новые записи копятся, второй сброс не стартует
	require.NoError(t, sink.Enqueue(recs[2]))
	require.NoError(t, sink.Enqueue(recs[3]))
	sink.Flush()
	require.NoError(t, sink.Enqueue(recs[4]))
	assert.Equal(t, 5, sink.Pending())

	go func() {
		for i := 0; i < 2; i++ {
			writer.gate <- struct{}{}
		}
	}()

	require.NoError(t, sink.Close())
	assert.Equal(t, recs, writer.all())
	assert.Equal(t, 2, writer.sizes()[0], "in-flight batch completes before the final flush")
}

func TestSinkEmitsStatusAfterEnqueue(t *testing.T) {
	var statuses []common.BufferStatus
	writer := &fakeWriter{}
	sink := NewSink(Config{BatchSize: 3}, writer, Options{
		Scheduler: &manualScheduler{},
		Executor:  inlineExecutor{},
		OnStatus: func(s common.BufferStatus) {
			statuses = append(statuses, s)
		},
	})

	for _, rec := range makeRecords(3) {
		require.NoError(t, sink.Enqueue(rec))
	}

	sizes := make([]int, len(statuses))
	for i, s := range statuses {
		sizes[i] = s.BufferSize
		assert.Equal(t, 3, s.MaxSize)
	}
	assert.Equal(t, []int{1, 2, 3, 0}, sizes, "one event per enqueue plus one after the flush")
}

func TestSinkOnFlushHook(t *testing.T) {
	type attempt struct {
		n   int
		err bool
	}
	var attempts []attempt
	writer := &fakeWriter{fail: 1}
	sched := &manualScheduler{}
	sink := NewSink(Config{BatchSize: 2}, writer, Options{
		Scheduler: sched,
		Executor:  inlineExecutor{},
		OnFlush: func(n int, err error) {
			attempts = append(attempts, attempt{n: n, err: err != nil})
		},
	})

	for _, rec := range makeRecords(2) {
		require.NoError(t, sink.Enqueue(rec))
	}
	sched.fire(t)

	assert.Equal(t, []attempt{{2, true}, {2, false}}, attempts)
}
