// ABOUTME: Subprocess RPC bridge speaking newline-delimited JSON over a child's stdin/stdout
// ABOUTME: Correlates replies by bridge-local id under an inner cancel timeout and an outer hard timeout

package rpcbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/supervisor"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

const (
	// DefaultTimeout applies to calls made with a zero timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultGrace is the time past a call's timeout before the hard reject.
	DefaultGrace = time.Second
	// readerDrainTimeout bounds the wait for buffered replies after the
	// child exits.
	readerDrainTimeout = time.Second
)

// ErrClosed is reported for calls made after Close and for pool lookups
// after the pool is closed. Its kind is shutdown.
var ErrClosed = envelope.NewShutdownError("bridge closed")

// errTornWrite marks a write that stopped part way through a line.
var errTornWrite = errors.New("partial line written")

// Spec describes the helper a bridge drives.
type Spec struct {
	Name         string
	Path         string
	Args         []string
	Env          []string
	Dir          string
	ProcessGroup bool
	Metadata     map[string]string

	// Grace is added to each call's timeout to form the hard deadline.
	Grace time.Duration
	// StopGrace bounds the child's exit on Close.
	StopGrace time.Duration
	// Suppress reports helper errors that are known to be benign. Matching
	// errors are logged and the call stays pending.
	Suppress func(*lineproto.Error) bool
	// OnEvent receives unsolicited event lines in arrival order.
	OnEvent func(lineproto.Event)
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan outcome
}

// Bridge is a client for one helper child.
type Bridge struct {
	spec  Spec
	sup   *supervisor.Supervisor
	entry *supervisor.Entry

	stdin  *os.File
	stdout *os.File
	// writeSem serialises writers. It is a channel so a writer can give up
	// waiting for it at its deadline.
	writeSem chan struct{}

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	closeErr error

	readerDone chan struct{}
	closeOnce  sync.Once
}

// Spawn starts the helper under sup and attaches the reader loop.
func Spawn(ctx context.Context, sup *supervisor.Supervisor, spec Spec) (*Bridge, error) {
	if spec.Grace <= 0 {
		spec.Grace = DefaultGrace
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	name := spec.Name
	entry, err := sup.Spawn(ctx, supervisor.Spec{
		Name:         spec.Name,
		Kind:         supervisor.KindRPCHelper,
		Path:         spec.Path,
		Args:         spec.Args,
		Env:          spec.Env,
		Dir:          spec.Dir,
		ProcessGroup: spec.ProcessGroup,
		Metadata:     spec.Metadata,
		Stdin:        stdinR,
		Stdout:       stdoutW,
		OnOutput: func(_ supervisor.Stream, line string) {
			log.Info("%s stderr: %s", name, line)
		},
	})
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, err
	}

	b := &Bridge{
		spec:       spec,
		sup:        sup,
		entry:      entry,
		stdin:      stdinW,
		stdout:     stdoutR,
		writeSem:   make(chan struct{}, 1),
		pending:    make(map[int64]*pendingCall),
		readerDone: make(chan struct{}),
	}
	go b.readLoop()
	go b.watchExit()
	return b, nil
}

// Name returns the helper name.
func (b *Bridge) Name() string {
	return b.spec.Name
}

// Entry returns the supervisor entry of the child.
func (b *Bridge) Entry() *supervisor.Entry {
	return b.entry
}

// Done is closed when the child has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.entry.Done()
}

// Pending returns the number of unresolved calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Call sends method with params and waits for the reply. The caller always
// gets an outcome within timeout plus the bridge grace: after timeout a
// $/cancel notification is sent, and at the hard deadline the call is
// rejected whether or not the helper honoured it.
func (b *Bridge) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, envelope.NewInvalidParamsError(fmt.Sprintf("%s.%s: %v", b.spec.Name, method, err))
	}

	id := b.nextID.Add(1)
	pc := &pendingCall{method: method, ch: make(chan outcome, 1)}

	b.mu.Lock()
	if b.closeErr != nil {
		err := b.closeErr
		b.mu.Unlock()
		return nil, err
	}
	b.pending[id] = pc
	b.mu.Unlock()

	// Both bounds start before the write: a child that stops reading its
	// stdin must not stretch the call past the hard deadline.
	hardDeadline := time.Now().Add(timeout + b.spec.Grace)
	inner := time.NewTimer(timeout)
	defer inner.Stop()
	hard := time.NewTimer(timeout + b.spec.Grace)
	defer hard.Stop()

	if err := b.write(lineproto.Request{ID: id, Method: method, Params: raw}, hardDeadline); err != nil {
		claimed := b.take(id) != nil
		b.abandonIfTorn(err)
		if claimed {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				log.Warn("rpcbridge: %s: %s (id %d) not written within %v", b.spec.Name, method, id, timeout+b.spec.Grace)
				return nil, envelope.NewTimeoutError(fmt.Sprintf("%s.%s timed out after %v: helper is not reading", b.spec.Name, method, timeout))
			}
			return nil, envelope.NewChildProcessError(fmt.Sprintf("provider unavailable: %s: %v", b.spec.Name, err))
		}
		o := <-pc.ch
		return o.result, o.err
	}

	for {
		select {
		case o := <-pc.ch:
			return o.result, o.err

		case <-inner.C:
			log.Debug("rpcbridge: %s: %s (id %d) exceeded %v, cancelling", b.spec.Name, method, id, timeout)
			go b.cancel(id)

		case <-hard.C:
			if b.take(id) != nil {
				log.Warn("rpcbridge: %s: %s (id %d) rejected after %v", b.spec.Name, method, id, timeout+b.spec.Grace)
				return nil, envelope.NewTimeoutError(fmt.Sprintf("%s.%s timed out after %v", b.spec.Name, method, timeout))
			}
			o := <-pc.ch
			return o.result, o.err

		case <-ctx.Done():
			if b.take(id) != nil {
				go b.cancel(id)
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, envelope.NewTimeoutError(fmt.Sprintf("%s.%s: %v", b.spec.Name, method, ctx.Err()))
				}
				return nil, envelope.NewShutdownError(fmt.Sprintf("%s.%s: %v", b.spec.Name, method, ctx.Err()))
			}
			o := <-pc.ch
			return o.result, o.err
		}
	}
}

// Notify sends a notification; no reply is expected. The write gives up
// after the bridge grace if the helper is not reading.
func (b *Bridge) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshaling %s params: %w", method, err)
	}
	err = b.write(lineproto.Request{Method: method, Params: raw}, time.Now().Add(b.spec.Grace))
	b.abandonIfTorn(err)
	return err
}

// Close rejects pending and future calls with a shutdown error, closes the
// child's stdin and stops it.
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.failAll(envelope.NewShutdownError(fmt.Sprintf("%s: %s", b.spec.Name, ErrClosed.Message)))

		// Closing unblocks a writer stuck on a full pipe.
		b.stdin.Close()

		err = b.sup.Stop(ctx, b.entry, b.spec.StopGrace)
	})
	return err
}

func (b *Bridge) cancel(id int64) {
	if err := b.Notify(lineproto.CancelMethod, lineproto.CancelParams{ID: id}); err != nil {
		log.Debug("rpcbridge: %s: cancel id %d: %v", b.spec.Name, id, err)
	}
}

func (b *Bridge) write(req lineproto.Request, deadline time.Time) error {
	data, err := lineproto.Encode(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", req.Method, err)
	}

	wait := time.NewTimer(time.Until(deadline))
	defer wait.Stop()
	select {
	case b.writeSem <- struct{}{}:
	case <-wait.C:
		return fmt.Errorf("writing %s: %w", req.Method, os.ErrDeadlineExceeded)
	}
	defer func() { <-b.writeSem }()

	if err := b.stdin.SetWriteDeadline(deadline); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Debug("rpcbridge: %s: write deadline: %v", b.spec.Name, err)
	}
	n, err := b.stdin.Write(data)
	if err != nil {
		if n > 0 {
			return fmt.Errorf("writing %s: %w: %w", req.Method, errTornWrite, err)
		}
		return fmt.Errorf("writing %s: %w", req.Method, err)
	}
	return nil
}

// abandonIfTorn retires the bridge when err reports a partial line. A torn
// line would corrupt the next request.
func (b *Bridge) abandonIfTorn(err error) {
	if errors.Is(err, errTornWrite) {
		log.Warn("rpcbridge: %s: %v, closing bridge", b.spec.Name, err)
		go b.abandon()
	}
}

// abandon fails every call and stops the child.
func (b *Bridge) abandon() {
	b.failAll(envelope.NewChildProcessError(fmt.Sprintf("provider unavailable: %s stopped reading its input", b.spec.Name)))
	ctx, cancel := context.WithTimeout(context.Background(), b.spec.StopGrace+readerDrainTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		log.Debug("rpcbridge: %s: close after torn write: %v", b.spec.Name, err)
	}
}

// take removes id from the pending table. Only the caller that gets a
// non-nil result may deliver the outcome.
func (b *Bridge) take(id int64) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return pc
}

// failAll rejects every pending call with err and every future call too.
func (b *Bridge) failAll(err error) {
	b.mu.Lock()
	if b.closeErr == nil {
		b.closeErr = err
	}
	pending := b.pending
	b.pending = make(map[int64]*pendingCall)
	b.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- outcome{err: err}
	}
}

func (b *Bridge) readLoop() {
	defer close(b.readerDone)

	r := lineproto.NewReader(b.stdout)
	for {
		data, err := r.Next()
		if errors.Is(err, lineproto.ErrLineTooLong) {
			log.Warn("rpcbridge: %s: discarding oversized line", b.spec.Name)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("rpcbridge: %s: reader: %v", b.spec.Name, err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		line, err := lineproto.ParseLine(data)
		if err != nil {
			log.Warn("rpcbridge: %s: discarding line: %v", b.spec.Name, err)
			continue
		}
		if line.Event != nil {
			if b.spec.OnEvent != nil {
				b.spec.OnEvent(*line.Event)
			}
			continue
		}
		b.resolve(line.Response)
	}
}

func (b *Bridge) resolve(resp *lineproto.Response) {
	if resp.Error != nil && b.spec.Suppress != nil && b.spec.Suppress(resp.Error) {
		log.Debug("rpcbridge: %s: suppressed error for id %d: %v", b.spec.Name, resp.ID, resp.Error)
		return
	}

	pc := b.take(resp.ID)
	if pc == nil {
		log.Warn("rpcbridge: %s: dropping response for unknown id %d", b.spec.Name, resp.ID)
		return
	}
	if resp.Error != nil {
		pc.ch <- outcome{err: resp.Error}
		return
	}
	result := resp.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	pc.ch <- outcome{result: result}
}

// watchExit fails pending calls as soon as the child is gone instead of
// leaving them to time out.
func (b *Bridge) watchExit() {
	<-b.entry.Done()

	select {
	case <-b.readerDone:
	case <-time.After(readerDrainTimeout):
		b.stdout.Close()
		<-b.readerDone
	}
	b.stdout.Close()

	msg := fmt.Sprintf("provider unavailable: %s exited", b.spec.Name)
	if code := b.entry.ExitCode(); code >= 0 {
		msg = fmt.Sprintf("provider unavailable: %s exited with code %d", b.spec.Name, code)
	}
	b.failAll(envelope.NewChildProcessError(msg))
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
