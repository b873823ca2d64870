package hostfs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/b2fs/internal/logging"
	"github.com/objectfs/b2fs/pkg/errors"
)

// DefaultMaxInFlight bounds concurrently running host calls.
const DefaultMaxInFlight = 64

// Dispatcher turns host callbacks into goroutines. Each call returns a
// request ID at once and replies through its callback when the work is done,
// so the caller's thread never waits on the network.
type Dispatcher struct {
	resolver *Resolver
	sem      *semaphore.Weighted
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closed   bool
}

// NewDispatcher runs resolver calls with at most maxInFlight in progress.
func NewDispatcher(resolver *Resolver, maxInFlight int, logger *zap.Logger) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		resolver: resolver,
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		logger:   logging.OrNop(logger).Named("dispatch"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
	}
}

// dispatch runs work on its own goroutine and hands the result to reply.
// reply always runs exactly once.
func dispatch[T any](d *Dispatcher, op string, work func(context.Context) (T, error), reply func(T, error)) string {
	id := uuid.NewString()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		var zero T
		go reply(zero, errors.NewError(errors.ErrCodeUnsupported, "dispatcher is closed").
			WithComponent("hostfs").WithOperation(op).WithRequestID(id))
		return id
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.inflight[id] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.finish(id)

		ctx = logging.WithRequestID(ctx, d.logger, id)
		log := logging.FromContext(ctx, d.logger)

		if err := d.sem.Acquire(ctx, 1); err != nil {
			var zero T
			reply(zero, errors.Wrap(errors.ErrCodeTransportFailure, err, "call abandoned before it started").
				WithComponent("hostfs").WithOperation(op).WithRequestID(id))
			return
		}
		start := time.Now()
		v, err := work(ctx)
		d.sem.Release(1)

		if err != nil {
			log.Debug("host call failed", zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Error(err))
		}
		reply(v, err)
	}()
	return id
}

func (d *Dispatcher) finish(id string) {
	d.mu.Lock()
	cancel, ok := d.inflight[id]
	delete(d.inflight, id)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel abandons the call with the given request ID. It reports whether the
// call was still running.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of calls not yet replied to.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close cancels every running call and waits for all replies.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// LookupAsync is Resolver.Lookup on the dispatcher.
func (d *Dispatcher) LookupAsync(parent NodeID, name string, reply func(Attributes, error)) string {
	return dispatch(d, "lookup", func(ctx context.Context) (Attributes, error) {
		return d.resolver.Lookup(ctx, parent, name)
	}, reply)
}

// EnumerateAsync is Resolver.Enumerate on the dispatcher.
func (d *Dispatcher) EnumerateAsync(dir NodeID, cookie uint64, reply func(EnumeratePage, error)) string {
	return dispatch(d, "enumerate", func(ctx context.Context) (EnumeratePage, error) {
		return d.resolver.Enumerate(ctx, dir, cookie)
	}, reply)
}

// GetAttributesAsync is Resolver.GetAttributes on the dispatcher.
func (d *Dispatcher) GetAttributesAsync(id NodeID, reply func(Attributes, error)) string {
	return dispatch(d, "get-attributes", func(ctx context.Context) (Attributes, error) {
		return d.resolver.GetAttributes(ctx, id)
	}, reply)
}

// SetAttributesAsync is Resolver.SetAttributes on the dispatcher.
func (d *Dispatcher) SetAttributesAsync(id NodeID, upd AttrUpdate, reply func(Attributes, error)) string {
	return dispatch(d, "set-attributes", func(ctx context.Context) (Attributes, error) {
		return d.resolver.SetAttributes(ctx, id, upd)
	}, reply)
}

// CreateAsync is Resolver.Create on the dispatcher.
func (d *Dispatcher) CreateAsync(parent NodeID, name string, isDir bool, reply func(Attributes, error)) string {
	return dispatch(d, "create", func(ctx context.Context) (Attributes, error) {
		return d.resolver.Create(ctx, parent, name, isDir)
	}, reply)
}

// RemoveAsync is Resolver.Remove on the dispatcher.
func (d *Dispatcher) RemoveAsync(parent NodeID, name string, reply func(error)) string {
	return dispatch(d, "remove", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.resolver.Remove(ctx, parent, name)
	}, func(_ struct{}, err error) { reply(err) })
}

// RenameAsync is Resolver.Rename on the dispatcher.
func (d *Dispatcher) RenameAsync(srcParent NodeID, srcName string, dstParent NodeID, dstName string, reply func(error)) string {
	return dispatch(d, "rename", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.resolver.Rename(ctx, srcParent, srcName, dstParent, dstName)
	}, func(_ struct{}, err error) { reply(err) })
}

// OpenAsync is Resolver.Open on the dispatcher.
func (d *Dispatcher) OpenAsync(id NodeID, mode OpenMode, reply func(HandleID, error)) string {
	return dispatch(d, "open", func(ctx context.Context) (HandleID, error) {
		return d.resolver.Open(ctx, id, mode)
	}, reply)
}

// ReadAsync is Resolver.Read on the dispatcher.
func (d *Dispatcher) ReadAsync(h HandleID, offset int64, length int, reply func([]byte, error)) string {
	return dispatch(d, "read", func(ctx context.Context) ([]byte, error) {
		return d.resolver.Read(ctx, h, offset, length)
	}, reply)
}

// WriteAsync is Resolver.Write on the dispatcher.
func (d *Dispatcher) WriteAsync(h HandleID, offset int64, p []byte, reply func(int, error)) string {
	return dispatch(d, "write", func(ctx context.Context) (int, error) {
		return d.resolver.Write(ctx, h, offset, p)
	}, reply)
}

// CloseAsync is Resolver.Close on the dispatcher. A canceled close still
// releases the handle; its staged copy stays dirty for FlushAll.
func (d *Dispatcher) CloseAsync(h HandleID, reply func(error)) string {
	return dispatch(d, "close", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.resolver.Close(ctx, h)
	}, func(_ struct{}, err error) { reply(err) })
}
