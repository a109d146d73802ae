package cibsync

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/ClusterLabs/cibsync/mainloop"
)

// events surfaced to the end user

type CibEvent string

const (
	UpdateEvent  CibEvent = "update"
	DestroyEvent CibEvent = "destroy"
)

type UpdateFunction = func(doc *Document)
type SubscribeFunction = func(event CibEvent, doc *Document)

type CibSettings struct {
	// best effort patch application. changes that cannot be
	// reconciled are skipped and the rest committed, so a bad patch
	// degrades mirror accuracy but never blocks forward progress.
	AllowPartialPatch bool
	// options for the bootstrap full fetch on the first notification
	BootstrapQueryOptions QueryOptions
}

func DefaultCibSettings() *CibSettings {
	return &CibSettings{
		AllowPartialPatch: true,
		BootstrapQueryOptions: QueryOptions{
			ScopeLocal: true,
		},
	}
}

// one `Cib` owns at most one live daemon session and one mirror.
// the mirror is either absent or a complete snapshot reflecting all
// patches applied so far in daemon order. it is mutated only on the
// notification path.
type Cib struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   DaemonClient
	settings *CibSettings

	stateLock  sync.Mutex
	connected  bool
	destroyed  bool
	clientName string
	connType   ConnectionType
	mirror     *Document

	destroyCallbacks *CallbackList[DestroyFunction]
	updateCallbacks  *CallbackList[UpdateFunction]
}

func NewCibWithDefaults(ctx context.Context, client DaemonClient) *Cib {
	return NewCib(ctx, client, DefaultCibSettings())
}

func NewCib(ctx context.Context, client DaemonClient, settings *CibSettings) *Cib {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Cib{
		ctx:              cancelCtx,
		cancel:           cancel,
		client:           client,
		settings:         settings,
		destroyCallbacks: NewCallbackList[DestroyFunction](),
		updateCallbacks:  NewCallbackList[UpdateFunction](),
	}
}

// establish a session with the daemon. a no-op when already signed on.
// does not touch the mirror.
func (self *Cib) SignOn(name string, connType ConnectionType) error {
	alreadyConnected := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		alreadyConnected = self.connected
	}()
	if alreadyConnected {
		return nil
	}

	if err := self.client.SignOn(name, connType); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected = true
	self.destroyed = false
	self.clientName = name
	self.connType = connType
	glog.V(1).Infof("[cib]signon %s %s\n", name, connType)
	return nil
}

// terminate the session and release the mirror.
// safe to call when the session was never established.
func (self *Cib) SignOff() error {
	var mirror *Document
	wasConnected := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		wasConnected = self.connected
		self.connected = false
		mirror = self.mirror
		self.mirror = nil
	}()

	if mirror != nil {
		mirror.Close()
	}
	if !wasConnected {
		return nil
	}
	glog.V(1).Infof("[cib]signoff\n")
	return self.client.SignOff()
}

func (self *Cib) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *Cib) Close() {
	self.SignOff()
	self.cancel()
}

// synchronous fetch of a section, or the whole document when
// `section` is empty. the returned document is owned by the caller.
func (self *Cib) Query(section string, opts QueryOptions) (*Document, error) {
	return self.client.Query(section, opts)
}

func (self *Cib) QueryWhole() (*Document, error) {
	return self.Query("", QueryOptions{})
}

func (self *Cib) QueryXPath(xpath string) (*Document, error) {
	return self.Query(xpath, QueryOptions{XPath: true})
}

// document generation without fetching children
func (self *Cib) Version() (*CibVersion, error) {
	doc, err := self.Query("", QueryOptions{NoChildren: true})
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return doc.Version()
}

// register the destroy and diff-notification handlers with the daemon.
// steps run in order and the first failing step's code aborts the
// rest. a step the connection type does not support leaves its flag
// unset and is not a failure. callers must check the returned flags
// rather than assume both notification kinds are active.
func (self *Cib) RegisterNotifyCallbacks() (NotifyFlags, error) {
	// registration starts a new observation session. a mirror kept from
	// an earlier session is a stale base for the new session's patches,
	// so release it and let the first notification bootstrap again.
	var mirror *Document
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		mirror = self.mirror
		self.mirror = nil
	}()
	if mirror != nil {
		mirror.Close()
	}

	flags := NotifyFlags(0)

	if err := self.client.SetDisconnectNotifier(self.onDestroy); err != nil {
		if !IsNotSupported(err) {
			return flags, err
		}
	} else {
		flags |= NotifyDestroy
	}

	// drop any stale handler first so the topic never double-delivers
	if err := self.client.DelNotifyCallback(DiffNotifyTopic); err != nil {
		if !IsNotSupported(err) {
			return flags, err
		}
	}

	if err := self.client.AddNotifyCallback(DiffNotifyTopic, self.onChange); err != nil {
		if !IsNotSupported(err) {
			return flags, err
		}
	} else {
		flags |= NotifyAddRemove
	}

	glog.V(1).Infof("[cib]notify callbacks registered, flags=%x\n", uint(flags))
	return flags, nil
}

func (self *Cib) AddDestroyCallback(destroyCallback DestroyFunction) func() {
	callbackId := self.destroyCallbacks.Add(destroyCallback)
	return func() {
		self.destroyCallbacks.Remove(callbackId)
	}
}

func (self *Cib) AddUpdateCallback(updateCallback UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// register one callback for both update and destroy events and enable
// notifications. returns an unsubscribe function.
func (self *Cib) Subscribe(callback SubscribeFunction) (func(), error) {
	unsubDestroy := self.AddDestroyCallback(func() {
		callback(DestroyEvent, nil)
	})
	unsubUpdate := self.AddUpdateCallback(func(doc *Document) {
		callback(UpdateEvent, doc)
	})
	unsub := func() {
		unsubDestroy()
		unsubUpdate()
	}

	if _, err := self.RegisterNotifyCallbacks(); err != nil {
		unsub()
		return nil, err
	}
	return unsub, nil
}

// invoked by the transport when the daemon tears down the connection.
// the connection handle must not be used after this fires. the mirror
// is left alone, cleanup in response is the consumer's job.
func (self *Cib) onDestroy() {
	alreadyDestroyed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		alreadyDestroyed = self.destroyed
		self.destroyed = true
		self.connected = false
	}()
	if alreadyDestroyed {
		return
	}

	glog.Infof("[cib]connection destroyed\n")
	for _, destroyCallback := range self.destroyCallbacks.Get() {
		callback := destroyCallback
		HandleError(func() {
			callback()
		})
	}
}

// invoked by the transport for every message on the diff topic.
// bootstrap rule: a patch cannot be applied without a base document,
// so the first notification after connecting forces a full resync and
// the patch it carried is discarded.
func (self *Cib) onChange(event string, msg *Message) {
	if msg == nil {
		return
	}
	destroyed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		destroyed = self.destroyed
	}()
	if destroyed {
		// late delivery after teardown
		glog.V(2).Infof("[cib]change after destroy dropped\n")
		return
	}

	patch := msg.UpdateResult()
	if patch == nil {
		// tolerated degenerate case, not an error
		glog.V(2).Infof("[cib]notification without %s\n", FieldUpdateResult)
		return
	}

	var mirror *Document
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		mirror = self.mirror
	}()

	if mirror == nil {
		doc, err := self.client.Query("", self.settings.BootstrapQueryOptions)
		if err != nil {
			glog.Infof("[cib]bootstrap query error = %s\n", err)
			return
		}
		var superseded *Document
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			superseded = self.mirror
			self.mirror = doc
		}()
		if superseded != nil {
			superseded.Close()
		}
		mirror = doc
		glog.V(1).Infof("[cib]mirror bootstrapped\n")
	} else {
		if err := mirror.ApplyPatchset(patch, self.settings.AllowPartialPatch); err != nil {
			// degraded accuracy, never surfaced to the consumer
			glog.V(1).Infof("[cib]patch apply error = %s\n", err)
		}
	}

	for _, updateCallback := range self.updateCallbacks.Get() {
		callback := updateCallback
		HandleError(func() {
			callback(mirror)
		})
	}
}

// consumer-side scheduler tick, run whenever the loop is idle

type IdleTickFunction = func()

// register a recurring idle task with the loop. the task re-arms on
// every invocation and only stops when the returned remove function
// is called.
func ScheduleIdle(loop *mainloop.Loop, tick IdleTickFunction) func() {
	return loop.AddIdle(func() bool {
		HandleError(func() {
			tick()
		})
		return mainloop.IdleContinue
	})
}
