package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wirebeam/pushfabric/internal/domain/event"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the interface the Hub and transport handlers program
// against. It decouples delivery from the concrete implementation.
type Connector interface {
	GetID() uuid.UUID
	GetUserID() uuid.UUID
	GetMetadata() ConnectMetadata
	Send(ev event.Eventer, timeout time.Duration) bool // thread-safe, bounded wait
	Recv() <-chan event.Eventer
	Done() <-chan struct{}
	Dropped() uint64
	Close()
}

// ConnectMetadata is captured at handshake time for admission decisions
// and audit logging.
type ConnectMetadata struct {
	RemoteIP        string
	UserAgent       string
	ProtocolVersion string
}

// connect is the concrete per-session mailbox. Unexported to force
// interface usage.
//
// Teardown invariant: the mailbox channel is never closed and the struct
// is never reused. Close only cancels the session context, so a Send
// racing a disconnect can never panic on a closed channel or write into
// a connector that now belongs to another identity. Pumps detect
// teardown through Done, and an event buffered into a dead mailbox is
// simply collected with it.
type connect struct {
	id        uuid.UUID
	userID    uuid.UUID
	metadata  ConnectMetadata
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	sendCh chan event.Eventer

	closeOnce sync.Once

	// [ATOMIC_FIELDS]
	lastActivityAt int64
	droppedCount   uint64
}

// NewConnector binds a fresh session object to the caller's context:
// when ctx ends the session stops accepting sends.
func NewConnector(ctx context.Context, userID uuid.UUID, bufferSize int, meta ConnectMetadata) Connector {
	childCtx, cancel := context.WithCancel(ctx)

	return &connect{
		id:             uuid.New(),
		userID:         userID,
		metadata:       meta,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan event.Eventer, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

func (c *connect) GetID() uuid.UUID             { return c.id }
func (c *connect) GetUserID() uuid.UUID         { return c.userID }
func (c *connect) GetMetadata() ConnectMetadata { return c.metadata }
func (c *connect) Dropped() uint64              { return atomic.LoadUint64(&c.droppedCount) }

// Send enqueues an event into the session mailbox, waiting up to timeout
// for space. A saturated mailbox after the deadline triggers the shedding
// path so one stalled consumer never holds the cell hostage.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())

	select {
	case <-c.ctx.Done():
		return false

	case c.sendCh <- ev:
		return true

	case <-ctx.Done():
		return c.handleBackpressure(ev)
	}
}

// handleBackpressure sheds load from a full mailbox. Low-priority traffic
// (typing indicators, presence churn) is dropped outright; a high-priority
// event evicts the oldest lower-priority entry instead.
func (c *connect) handleBackpressure(ev event.Eventer) bool {
	if ev.GetPriority() <= event.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	select {
	case oldEv := <-c.sendCh:
		if oldEv.GetPriority() < ev.GetPriority() {
			atomic.AddUint64(&c.droppedCount, 1) // the evicted event is the loss
			select {
			case c.sendCh <- ev:
				return true
			default:
			}
		} else {
			// The oldest entry mattered as much; put it back, best effort.
			select {
			case c.sendCh <- oldEv:
			default:
			}
		}
	default:
		// Mailbox drained between the timeout and now; one more attempt.
		select {
		case c.sendCh <- ev:
			return true
		default:
		}
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }

// Done signals session teardown to the transport pumps.
func (c *connect) Done() <-chan struct{} { return c.ctx.Done() }

// Close terminates the session exactly once by cancelling its context.
// The mailbox channel stays open; see the teardown invariant above.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
	})
}
