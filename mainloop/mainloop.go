package mainloop

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a cooperative single-threaded dispatch loop.
// all posted callbacks and idle sources run on the one goroutine that
// called `Run`. posted callbacks run in post order and always take
// priority over idle sources. idle sources run only when no posted
// work is pending, and re-arm by returning `IdleContinue`.

const IdleContinue = true
const IdleStop = false

// return `IdleContinue` to stay registered, `IdleStop` to be removed
type IdleFunction = func() bool

const DefaultPostBufferSize = 32

type LoopSettings struct {
	PostBufferSize int
	// wait between idle passes. posted work is still dispatched
	// immediately during the wait. zero runs passes back to back.
	IdlePassInterval time.Duration
}

func DefaultLoopSettings() *LoopSettings {
	return &LoopSettings{
		PostBufferSize: DefaultPostBufferSize,
	}
}

type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LoopSettings

	post chan func()
	// signaled when an idle source is added while `Run` is blocked
	idleWake chan struct{}

	stateLock   sync.Mutex
	nextIdleId  int
	idleOrder   []int
	idleSources map[int]IdleFunction
}

func NewLoopWithDefaults(ctx context.Context) *Loop {
	return NewLoop(ctx, DefaultLoopSettings())
}

func NewLoop(ctx context.Context, settings *LoopSettings) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Loop{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		post:        make(chan func(), settings.PostBufferSize),
		idleWake:    make(chan struct{}, 1),
		idleSources: map[int]IdleFunction{},
	}
}

// queue a callback to run on the loop goroutine.
// blocks when the post buffer is full, unless the loop is quit.
func (self *Loop) Post(callback func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.post <- callback:
		return true
	}
}

// register an idle source. returns a remove function.
// the source keeps firing on every idle pass until it returns
// `IdleStop` or the remove function is called.
func (self *Loop) AddIdle(idle IdleFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	idleId := self.nextIdleId
	self.nextIdleId += 1
	self.idleOrder = append(self.idleOrder, idleId)
	self.idleSources[idleId] = idle

	select {
	case self.idleWake <- struct{}{}:
	default:
	}

	return func() {
		self.removeIdle(idleId)
	}
}

func (self *Loop) removeIdle(idleId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.idleOrder, idleId)
	if i < 0 {
		// already removed
		return
	}
	self.idleOrder = slices.Delete(slices.Clone(self.idleOrder), i, i+1)
	delete(self.idleSources, idleId)
}

func (self *Loop) idleSnapshot() ([]int, map[int]IdleFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.idleOrder), maps.Clone(self.idleSources)
}

// run the loop on the calling goroutine until `Quit`
func (self *Loop) Run() {
	for {
		// posted work first
		select {
		case <-self.ctx.Done():
			return
		case callback := <-self.post:
			callback()
			continue
		default:
		}

		idleOrder, idleSources := self.idleSnapshot()
		if len(idleOrder) == 0 {
			// nothing to do, block for work
			select {
			case <-self.ctx.Done():
				return
			case callback := <-self.post:
				callback()
			case <-self.idleWake:
			}
			continue
		}

		// one idle pass. sources that do not re-arm are removed.
		for _, idleId := range idleOrder {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			if idle, ok := idleSources[idleId]; ok {
				if idle() == IdleStop {
					self.removeIdle(idleId)
				}
			}
		}

		if 0 < self.settings.IdlePassInterval {
			select {
			case <-self.ctx.Done():
				return
			case callback := <-self.post:
				callback()
			case <-time.After(self.settings.IdlePassInterval):
			}
		}
	}
}

func (self *Loop) Quit() {
	self.cancel()
}

func (self *Loop) Done() <-chan struct{} {
	return self.ctx.Done()
}
