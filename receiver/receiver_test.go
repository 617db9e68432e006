package receiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-share/pkg/events"
	"tarun-kavipurapu/p2p-share/pkg/progress"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

var staticResolver = ResolverFunc(func(_ context.Context, slug string) (string, error) {
	return "addr-of-" + slug, nil
})

func runReceiver(t *testing.T, cfg Config) (*Receiver, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	r := New(tr, staticResolver, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, tr
}

// connect dials the sender and returns the connection the receiver uses.
func connect(t *testing.T, r *Receiver, tr *fakeTransport) *fakeConn {
	t.Helper()
	require.NoError(t, r.Connect(context.Background(), "alpha/bravo/charlie/delta"))
	return tr.conn(0)
}

// deliver hands msg to the loop and waits until it has been handled.
func deliver(t *testing.T, r *Receiver, tr *fakeTransport, c *fakeConn, msg protocol.Message) {
	t.Helper()
	tr.events <- transport.Event{Kind: transport.EventMessage, Conn: c, Message: msg}
	settle(t, r)
}

// settle waits until no finished file is still being stored.
func settle(t *testing.T, r *Receiver) {
	t.Helper()
	require.Eventually(t, func() bool {
		var busy bool
		err := r.loop.Call(context.Background(), func() error {
			busy = r.persisting
			return nil
		})
		return err == nil && !busy
	}, 2*time.Second, time.Millisecond)
}

func snapshot(t *testing.T, r *Receiver) Snapshot {
	t.Helper()
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

// chunks splits data the way a sender with the given chunk size would.
func chunks(name string, data []byte, size int) []protocol.Chunk {
	var out []protocol.Chunk
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		out = append(out, protocol.Chunk{
			FileName: name,
			Offset:   int64(off),
			Bytes:    data[off:end],
			Final:    end == len(data),
		})
	}
	if len(out) == 0 {
		out = append(out, protocol.Chunk{FileName: name, Bytes: []byte{}, Final: true})
	}
	return out
}

type recorder struct {
	mu       sync.Mutex
	progress []progress.Record
	states   []StateChange
	files    []CompletedFile
	complete [][]CompletedFile
	errs     []error
	prompts  []PasswordPrompt
	reported int
}

func record(r *Receiver) *recorder {
	rec := &recorder{}
	em := r.Events()
	em.On(EventProgress, func(ev events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.progress = append(rec.progress, ev.Data.(progress.Record))
	})
	em.On(EventState, func(ev events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.states = append(rec.states, ev.Data.(StateChange))
	})
	em.On(EventFile, func(ev events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.files = append(rec.files, ev.Data.(CompletedFile))
	})
	em.On(EventComplete, func(ev events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.complete = append(rec.complete, ev.Data.([]CompletedFile))
	})
	em.On(EventError, func(ev events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.errs = append(rec.errs, ev.Data.(error))
	})
	em.On(EventPassword, func(ev events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.prompts = append(rec.prompts, ev.Data.(PasswordPrompt))
	})
	em.On(EventReported, func(events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.reported++
	})
	return rec
}

func TestConnectSendsRequestInfoWithMeta(t *testing.T) {
	meta := protocol.ClientMeta{BrowserName: "cli", OSName: "linux"}
	r, tr := runReceiver(t, Config{ClientMeta: meta})

	c := connect(t, r, tr)
	assert.Equal(t, []protocol.Message{protocol.RequestInfo{ClientMeta: meta}}, c.Messages())
	assert.Equal(t, StatePending, snapshot(t, r).State)
	assert.Equal(t, []string{"addr-of-alpha/bravo/charlie/delta"}, tr.addrs)

	err := r.Connect(context.Background(), "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDefaultClientMetaIsFilled(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	c := connect(t, r, tr)
	req := c.Messages()[0].(protocol.RequestInfo)
	assert.Equal(t, DefaultClientMeta(), req.ClientMeta)
	assert.NotEmpty(t, req.ClientMeta.OSName)
}

func TestConnectFailure(t *testing.T) {
	tr := newFakeTransport()
	boom := errors.New("no route")
	tr.dialErr = boom
	r := New(tr, staticResolver, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	err := r.Connect(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateError, snapshot(t, r).State)
}

func TestSingleSmallFileDownload(t *testing.T) {
	store := newMemPersister()
	r, tr := runReceiver(t, Config{Persister: store})
	rec := record(r)
	c := connect(t, r, tr)

	data := []byte("0123456789")
	desc := protocol.FileDescriptor{Name: "a.txt", Size: 10, MediaType: "text/plain"}
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{desc}})

	snap := snapshot(t, r)
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, int64(10), snap.TotalBytes)

	require.NoError(t, r.StartDownload(context.Background()))
	assert.Equal(t, protocol.Start{FileName: "a.txt", Offset: 0}, c.Messages()[1])

	deliver(t, r, tr, c, protocol.Chunk{FileName: "a.txt", Offset: 0, Bytes: data, Final: true})

	snap = snapshot(t, r)
	assert.Equal(t, StateDone, snap.State)
	assert.Equal(t, 1.0, snap.Progress.OverallProgress)
	assert.Equal(t, 1.0, snap.Progress.CurrentFileProgress)
	assert.Equal(t, int64(10), snap.BytesReceived)
	assert.Equal(t, protocol.Done{}, c.Messages()[2])

	done, err := r.CompletedFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, desc, done[0].FileDescriptor)
	assert.Equal(t, data, done[0].Bytes)
	assert.Equal(t, data, store.get("a.txt"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.complete, 1)
	assert.Len(t, rec.complete[0], 1)
	require.NotEmpty(t, rec.progress)
	assert.Equal(t, 1.0, rec.progress[len(rec.progress)-1].OverallProgress)
}

func TestPauseResumeContinuesFromHeldBytes(t *testing.T) {
	store := newMemPersister()
	r, tr := runReceiver(t, Config{Persister: store})
	c := connect(t, r, tr)

	data := pattern(2560)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "big.bin", Size: 2560}}})
	require.NoError(t, r.StartDownload(context.Background()))

	parts := chunks("big.bin", data, 256)
	require.Len(t, parts, 10)
	for _, ch := range parts[:4] {
		deliver(t, r, tr, c, ch)
	}
	require.NoError(t, r.PauseDownload(context.Background()))
	assert.Equal(t, protocol.Pause{}, c.Messages()[len(c.Messages())-1])

	// one chunk was already in flight when the pause went out
	deliver(t, r, tr, c, parts[4])
	snap := snapshot(t, r)
	assert.Equal(t, StatePaused, snap.State)
	assert.Equal(t, int64(1280), snap.BytesReceived)

	require.NoError(t, r.ResumeDownload(context.Background()))
	assert.Equal(t, protocol.Resume{FileName: "big.bin", Offset: 1280}, c.Messages()[len(c.Messages())-1])

	for _, ch := range parts[5:] {
		deliver(t, r, tr, c, ch)
	}
	snap = snapshot(t, r)
	assert.Equal(t, StateDone, snap.State)
	assert.Equal(t, int64(2560), snap.BytesReceived)
	assert.Equal(t, data, store.get("big.bin"))
}

func TestResumeAfterRewindOverwrites(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	c := connect(t, r, tr)

	data := pattern(30)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "f", Size: 30}}})
	require.NoError(t, r.StartDownload(context.Background()))
	deliver(t, r, tr, c, protocol.Chunk{FileName: "f", Offset: 0, Bytes: data[:20]})
	deliver(t, r, tr, c, protocol.Chunk{FileName: "f", Offset: 10, Bytes: data[10:]})
	deliver(t, r, tr, c, protocol.Chunk{FileName: "f", Offset: 30, Bytes: []byte{}, Final: true})

	done, err := r.CompletedFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, data, done[0].Bytes)
}

func TestMultipleFilesInOrder(t *testing.T) {
	store := newMemPersister()
	r, tr := runReceiver(t, Config{Persister: store})
	rec := record(r)
	c := connect(t, r, tr)

	a, b := pattern(300), []byte("bb")
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{
		{Name: "a", Size: 300},
		{Name: "empty", Size: 0},
		{Name: "b", Size: 2},
	}})
	require.NoError(t, r.StartDownload(context.Background()))

	for _, ch := range chunks("a", a, 256) {
		deliver(t, r, tr, c, ch)
	}
	assert.Equal(t, protocol.Start{FileName: "empty"}, c.Messages()[len(c.Messages())-1])
	deliver(t, r, tr, c, protocol.Chunk{FileName: "empty", Bytes: []byte{}, Final: true})
	assert.Equal(t, protocol.Start{FileName: "b"}, c.Messages()[len(c.Messages())-1])
	deliver(t, r, tr, c, protocol.Chunk{FileName: "b", Bytes: b, Final: true})

	assert.Equal(t, StateDone, snapshot(t, r).State)
	assert.Equal(t, []string{"a", "empty", "b"}, store.names())
	assert.Equal(t, []byte{}, store.get("empty"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.files, 3)
	last := 0.0
	for _, p := range rec.progress {
		assert.GreaterOrEqual(t, p.OverallProgress, last)
		last = p.OverallProgress
		if p.BytesTransferred < p.TotalBytes {
			assert.Less(t, p.OverallProgress, 1.0)
		}
	}
	assert.Equal(t, 1.0, last)
}

func TestEmptyOfferCompletesImmediately(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{})

	require.NoError(t, r.StartDownload(context.Background()))
	snap := snapshot(t, r)
	assert.Equal(t, StateDone, snap.State)
	assert.Equal(t, 0.0, snap.Progress.OverallProgress)
	assert.Equal(t, protocol.Done{}, c.Messages()[1])
}

func TestCancelDropsPartialFiles(t *testing.T) {
	store := newMemPersister()
	r, tr := runReceiver(t, Config{Persister: store})
	c := connect(t, r, tr)

	data := pattern(1000)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 1000}, {Name: "b", Size: 5}}})
	require.NoError(t, r.StartDownload(context.Background()))
	deliver(t, r, tr, c, protocol.Chunk{FileName: "a", Bytes: data[:256]})

	require.NoError(t, r.CancelDownload(context.Background()))
	assert.True(t, c.IsClosed())
	assert.Equal(t, StateClosed, snapshot(t, r).State)
	assert.Empty(t, store.names())

	// later traffic and close events change nothing
	deliver(t, r, tr, c, protocol.Chunk{FileName: "a", Offset: 256, Bytes: data[256:], Final: true})
	tr.events <- transport.Event{Kind: transport.EventClose, Conn: c}
	assert.Equal(t, StateClosed, snapshot(t, r).State)
	assert.Empty(t, store.names())

	assert.NoError(t, r.CancelDownload(context.Background()))
	assert.ErrorIs(t, r.StartDownload(context.Background()), ErrInvalidState)
}

func TestUsageErrors(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, r.StartDownload(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.Report(ctx), ErrInvalidState)

	c := connect(t, r, tr)
	assert.ErrorIs(t, r.StartDownload(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.SubmitPassword(ctx, "pw"), ErrInvalidState)

	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 10}}})
	assert.ErrorIs(t, r.PauseDownload(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.ResumeDownload(ctx), ErrInvalidState)

	require.NoError(t, r.StartDownload(ctx))
	assert.ErrorIs(t, r.StartDownload(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.ResumeDownload(ctx), ErrInvalidState)

	// only RequestInfo and the one Start went out
	assert.Len(t, c.Messages(), 2)
	assert.Equal(t, StateDownloading, snapshot(t, r).State)
}

func TestPasswordFlow(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	rec := record(r)
	c := connect(t, r, tr)

	deliver(t, r, tr, c, protocol.PasswordRequired{})
	snap := snapshot(t, r)
	assert.Equal(t, StateAuthenticating, snap.State)
	assert.True(t, snap.PasswordRequired)
	assert.False(t, snap.PasswordInvalid)

	require.NoError(t, r.SubmitPassword(context.Background(), "wrong"))
	assert.Equal(t, protocol.UsePassword{Password: "wrong"}, c.Messages()[1])

	deliver(t, r, tr, c, protocol.PasswordRequired{ErrorMessage: "Invalid password"})
	snap = snapshot(t, r)
	assert.Equal(t, StateAuthenticating, snap.State)
	assert.True(t, snap.PasswordInvalid)
	assert.Equal(t, "Invalid password", snap.PasswordError)

	require.NoError(t, r.SubmitPassword(context.Background(), "right"))
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 1}}})
	snap = snapshot(t, r)
	assert.Equal(t, StateReady, snap.State)
	assert.False(t, snap.PasswordRequired)
	assert.False(t, snap.PasswordInvalid)
	assert.Empty(t, snap.PasswordError)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []PasswordPrompt{{}, {Invalid: true, Message: "Invalid password"}}, rec.prompts)
}

func TestReportedShare(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	rec := record(r)
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 10}}})
	require.NoError(t, r.StartDownload(context.Background()))

	deliver(t, r, tr, c, protocol.Report{})
	assert.Equal(t, StateReported, snapshot(t, r).State)
	assert.True(t, c.IsClosed())

	tr.events <- transport.Event{Kind: transport.EventClose, Conn: c}
	assert.Equal(t, StateReported, snapshot(t, r).State)
	assert.ErrorIs(t, r.PauseDownload(context.Background()), ErrInvalidState)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.reported)
}

func TestReportAfterDoneTakesShareDown(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	rec := record(r)
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 1}}})
	require.NoError(t, r.StartDownload(context.Background()))
	deliver(t, r, tr, c, protocol.Chunk{FileName: "a", Bytes: []byte{1}, Final: true})
	require.Equal(t, StateDone, snapshot(t, r).State)

	deliver(t, r, tr, c, protocol.Report{})
	assert.Equal(t, StateReported, snapshot(t, r).State)
	assert.True(t, c.IsClosed())

	files, err := r.CompletedFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 1, "files stored before the takedown stay completed")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.reported)
}

func TestReportDialsReportChannel(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	connect(t, r, tr)

	require.NoError(t, r.Report(context.Background()))
	require.Equal(t, 2, tr.dialCount())
	rc := tr.conn(1)
	assert.Equal(t, transport.MetaTypeReport, rc.Metadata()[transport.MetaType])
	assert.Equal(t, []protocol.Message{protocol.Report{}}, rc.Messages())
	assert.True(t, rc.IsClosed())

	// the download connection is untouched
	assert.Equal(t, StatePending, snapshot(t, r).State)
	assert.False(t, tr.conn(0).IsClosed())
}

func TestSenderCloseAndError(t *testing.T) {
	t.Run("close mid download", func(t *testing.T) {
		r, tr := runReceiver(t, Config{})
		c := connect(t, r, tr)
		deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 10}}})
		require.NoError(t, r.StartDownload(context.Background()))

		tr.events <- transport.Event{Kind: transport.EventClose, Conn: c}
		assert.Equal(t, StateClosed, snapshot(t, r).State)
	})

	t.Run("error", func(t *testing.T) {
		r, tr := runReceiver(t, Config{})
		rec := record(r)
		c := connect(t, r, tr)

		tr.events <- transport.Event{Kind: transport.EventError, Conn: c, Err: errors.New("reset")}
		assert.Equal(t, StateError, snapshot(t, r).State)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		assert.Len(t, rec.errs, 1)
	})

	t.Run("close after done", func(t *testing.T) {
		r, tr := runReceiver(t, Config{})
		c := connect(t, r, tr)
		deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 1}}})
		require.NoError(t, r.StartDownload(context.Background()))
		deliver(t, r, tr, c, protocol.Chunk{FileName: "a", Bytes: []byte{1}, Final: true})

		tr.events <- transport.Event{Kind: transport.EventClose, Conn: c}
		assert.Equal(t, StateDone, snapshot(t, r).State)
	})
}

func TestPersistFailureStopsDownload(t *testing.T) {
	store := newMemPersister()
	store.err = errors.New("disk full")
	r, tr := runReceiver(t, Config{Persister: store})
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 1}}})
	require.NoError(t, r.StartDownload(context.Background()))
	deliver(t, r, tr, c, protocol.Chunk{FileName: "a", Bytes: []byte{1}, Final: true})

	assert.Equal(t, StateError, snapshot(t, r).State)
	assert.True(t, c.IsClosed())
	for _, m := range c.Messages() {
		assert.NotEqual(t, protocol.Done{}, m)
	}
}

func TestProtocolErrorsAnsweredOnce(t *testing.T) {
	r, tr := runReceiver(t, Config{})
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 10}}})
	require.NoError(t, r.StartDownload(context.Background()))

	deliver(t, r, tr, c, protocol.Chunk{FileName: "other", Bytes: []byte{1}})
	deliver(t, r, tr, c, protocol.Chunk{FileName: "a", Offset: 5, Bytes: []byte{1}})
	tr.events <- transport.Event{Kind: transport.EventMalformed, Conn: c, Err: errors.New("bad frame")}

	var errs int
	for _, m := range c.Messages() {
		if _, ok := m.(protocol.Error); ok {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
	snap := snapshot(t, r)
	assert.Equal(t, StateDownloading, snap.State)
	assert.Zero(t, snap.BytesReceived)
}

func TestSlowStoreKeepsLoopResponsive(t *testing.T) {
	store := newMemPersister()
	store.gate = make(chan struct{})
	r, tr := runReceiver(t, Config{Persister: store})
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{
		{Name: "a", Size: 2},
		{Name: "b", Size: 3},
	}})
	require.NoError(t, r.StartDownload(context.Background()))

	tr.events <- transport.Event{Kind: transport.EventMessage, Conn: c,
		Message: protocol.Chunk{FileName: "a", Bytes: []byte("aa"), Final: true}}

	// the loop still answers while "a" is held by the store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.PauseDownload(ctx))
	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)
	assert.Zero(t, snap.CompletedFiles)
	assert.Empty(t, store.names())

	// resuming while the store is busy defers the request for "b"
	require.NoError(t, r.ResumeDownload(ctx))
	for _, m := range c.Messages() {
		assert.NotEqual(t, protocol.Start{FileName: "b"}, m)
		_, isResume := m.(protocol.Resume)
		assert.False(t, isResume)
	}

	close(store.gate)
	settle(t, r)
	assert.Equal(t, []string{"a"}, store.names())
	assert.Equal(t, protocol.Start{FileName: "b"}, c.Messages()[len(c.Messages())-1])

	deliver(t, r, tr, c, protocol.Chunk{FileName: "b", Bytes: []byte("bbb"), Final: true})
	assert.Equal(t, StateDone, snapshot(t, r).State)
	assert.Equal(t, []byte("bbb"), store.get("b"))
}

func TestStoreFinishingAfterCancelIsDropped(t *testing.T) {
	store := newMemPersister()
	store.gate = make(chan struct{})
	r, tr := runReceiver(t, Config{Persister: store})
	rec := record(r)
	c := connect(t, r, tr)
	deliver(t, r, tr, c, protocol.Info{Files: []protocol.FileDescriptor{{Name: "a", Size: 1}}})
	require.NoError(t, r.StartDownload(context.Background()))
	tr.events <- transport.Event{Kind: transport.EventMessage, Conn: c,
		Message: protocol.Chunk{FileName: "a", Bytes: []byte{1}, Final: true}}

	require.NoError(t, r.CancelDownload(context.Background()))
	close(store.gate)
	settle(t, r)

	snap := snapshot(t, r)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.CompletedFiles)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.files)
	assert.Empty(t, rec.complete)
}
