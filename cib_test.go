package cibsync

import (
	"context"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/ClusterLabs/cibsync/mainloop"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// scripted in-memory daemon for bridge scenarios. callbacks are
// invoked directly, standing in for the loop goroutine.
type fakeDaemonClient struct {
	connType ConnectionType

	signOnErr        error
	setDisconnectErr error
	addNotifyErr     error
	delNotifyErr     error

	queryDoc string
	queryErr error

	signOnCount  int
	signOffCount int
	queryCount   int

	disconnectNotify DestroyFunction
	notifyCallbacks  map[string]NotifyFunction
}

func newFakeDaemonClient(queryDoc string) *fakeDaemonClient {
	return &fakeDaemonClient{
		connType:        ConnectionTypeQuery,
		queryDoc:        queryDoc,
		notifyCallbacks: map[string]NotifyFunction{},
	}
}

func (self *fakeDaemonClient) SignOn(name string, connType ConnectionType) error {
	if self.signOnErr != nil {
		return self.signOnErr
	}
	self.signOnCount += 1
	self.connType = connType
	return nil
}

func (self *fakeDaemonClient) SignOff() error {
	self.signOffCount += 1
	return nil
}

func (self *fakeDaemonClient) Query(section string, opts QueryOptions) (*Document, error) {
	if self.queryErr != nil {
		return nil, self.queryErr
	}
	self.queryCount += 1
	return ParseDocumentString(self.queryDoc)
}

func (self *fakeDaemonClient) SetDisconnectNotifier(notify DestroyFunction) error {
	if self.setDisconnectErr != nil {
		return self.setDisconnectErr
	}
	if !self.connType.SupportedNotify().Has(NotifyDestroy) {
		return RcError(RcNotSupported)
	}
	self.disconnectNotify = notify
	return nil
}

func (self *fakeDaemonClient) AddNotifyCallback(topic string, notify NotifyFunction) error {
	if self.addNotifyErr != nil {
		return self.addNotifyErr
	}
	if !self.connType.SupportedNotify().Has(NotifyAddRemove) {
		return RcError(RcNotSupported)
	}
	self.notifyCallbacks[topic] = notify
	return nil
}

func (self *fakeDaemonClient) DelNotifyCallback(topic string) error {
	if self.delNotifyErr != nil {
		return self.delNotifyErr
	}
	delete(self.notifyCallbacks, topic)
	return nil
}

func (self *fakeDaemonClient) deliverDiff(t *testing.T, patch string) {
	payload := `<notify topic="` + DiffNotifyTopic + `"><cib_update_result>` + patch + `</cib_update_result></notify>`
	msg, err := ParseMessage([]byte(payload))
	assert.Equal(t, err, nil)
	notify := self.notifyCallbacks[DiffNotifyTopic]
	assert.NotEqual(t, notify, nil)
	notify(DiffNotifyTopic, msg)
}

func (self *fakeDaemonClient) deliverDegenerate(t *testing.T) {
	msg, err := ParseMessage([]byte(`<notify topic="` + DiffNotifyTopic + `"/>`))
	assert.Equal(t, err, nil)
	if notify := self.notifyCallbacks[DiffNotifyTopic]; notify != nil {
		notify(DiffNotifyTopic, msg)
	}
}

func newTestCib(t *testing.T) (*Cib, *fakeDaemonClient) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := newFakeDaemonClient(testCib)
	cib := NewCibWithDefaults(ctx, client)
	return cib, client
}

func TestSignOnIdempotent(t *testing.T) {
	cib, client := newTestCib(t)

	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	assert.Equal(t, cib.Connected(), true)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	assert.Equal(t, client.signOnCount, 1)
}

func TestSignOnError(t *testing.T) {
	cib, client := newTestCib(t)
	client.signOnErr = RcError(RcAuthFailed)

	err := cib.SignOn("test", ConnectionTypeQuery)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ErrorRc(err), RcAuthFailed)
	assert.Equal(t, cib.Connected(), false)
}

func TestSignOffNeverConnected(t *testing.T) {
	cib, client := newTestCib(t)

	// safe before any signon
	assert.Equal(t, cib.SignOff(), nil)
	assert.Equal(t, client.signOffCount, 0)
}

func TestRegisterNotifyCallbacks(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)

	flags, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)
	assert.Equal(t, flags, NotifyDestroy|NotifyAddRemove)
	assert.NotEqual(t, client.disconnectNotify, nil)
	assert.NotEqual(t, client.notifyCallbacks[DiffNotifyTopic], nil)
}

func TestRegisterNotifyCallbacksFailFast(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)

	// the first failing step aborts the rest and its code is returned
	client.setDisconnectErr = RcError(RcConnectionFailed)
	flags, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, ErrorRc(err), RcConnectionFailed)
	assert.Equal(t, flags, NotifyFlags(0))
	assert.Equal(t, client.notifyCallbacks[DiffNotifyTopic], nil)

	client.setDisconnectErr = nil
	client.addNotifyErr = RcError(RcFailed)
	flags, err = cib.RegisterNotifyCallbacks()
	assert.Equal(t, ErrorRc(err), RcFailed)
	assert.Equal(t, flags, NotifyDestroy)
}

func TestRegisterNotifyCallbacksUnsupported(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeCommandNonBlocking), nil)

	// an unsupported notification kind is not a failure, the flag
	// just stays unset
	flags, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)
	assert.Equal(t, flags, NotifyDestroy)
	assert.Equal(t, client.notifyCallbacks[DiffNotifyTopic], nil)
}

func TestBootstrapThenPatch(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)

	flags, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)
	assert.Equal(t, flags, NotifyDestroy|NotifyAddRemove)

	updates := []*Document{}
	cib.AddUpdateCallback(func(doc *Document) {
		updates = append(updates, doc)
	})

	// first notification: full query, patch discarded
	p1 := patchXml(0, 1, `<change operation="delete" path="/cib/configuration/resources/primitive[@id='r0']"/>`)
	client.deliverDiff(t, p1)
	assert.Equal(t, client.queryCount, 1)
	assert.Equal(t, len(updates), 1)
	baseline := mustParseDocument(t, testCib)
	assert.Equal(t, updates[0].String(), baseline.String())

	// second notification: patch applied in place, no new query
	p2 := patchXml(0, 1, `<change operation="create" path="/cib/configuration/resources"><primitive id="r1" class="ocf" type="Dummy"/></change>`)
	client.deliverDiff(t, p2)
	assert.Equal(t, client.queryCount, 1)
	assert.Equal(t, len(updates), 2)
	assert.NotEqual(t, updates[1].Root().FindElement("configuration/resources/primitive[@id='r1']"), nil)

	// both upcalls saw the same persistent mirror
	assert.Equal(t, updates[0], updates[1])
}

func TestDegenerateNotification(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)

	updateCount := 0
	cib.AddUpdateCallback(func(doc *Document) {
		updateCount += 1
	})

	// no payload field: no query, no mirror, no upcall
	client.deliverDegenerate(t)
	assert.Equal(t, client.queryCount, 0)
	assert.Equal(t, updateCount, 0)
}

func TestBootstrapQueryFailure(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)

	updateCount := 0
	cib.AddUpdateCallback(func(doc *Document) {
		updateCount += 1
	})

	// no upcall fires against an absent base
	client.queryErr = RcError(RcNotConnected)
	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	assert.Equal(t, updateCount, 0)

	// the next notification recovers with a fresh bootstrap
	client.queryErr = nil
	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	assert.Equal(t, client.queryCount, 1)
	assert.Equal(t, updateCount, 1)
}

func TestDestroyOnce(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)

	destroyCount := 0
	cib.AddDestroyCallback(func() {
		destroyCount += 1
	})
	updateCount := 0
	cib.AddUpdateCallback(func(doc *Document) {
		updateCount += 1
	})

	client.disconnectNotify()
	client.disconnectNotify()
	assert.Equal(t, destroyCount, 1)
	assert.Equal(t, cib.Connected(), false)

	// the session is terminated, late notifications are dropped
	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	assert.Equal(t, updateCount, 0)
	assert.Equal(t, client.queryCount, 0)
}

func TestReregisterResetsMirror(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)

	updates := []*Document{}
	cib.AddUpdateCallback(func(doc *Document) {
		updates = append(updates, doc)
	})

	// first session establishes a mirror
	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	assert.Equal(t, client.queryCount, 1)
	firstMirror := updates[0]

	// daemon teardown, then recovery on the same handle
	client.disconnectNotify()
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err = cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)
	assert.Equal(t, firstMirror.Closed(), true)

	// the new session's first diff bootstraps instead of patching the
	// previous session's snapshot onto a mismatched base
	client.deliverDiff(t, patchXml(5, 6, `<change operation="delete" path="/cib/configuration/resources/primitive[@id='r0']"/>`))
	assert.Equal(t, client.queryCount, 2)
	assert.Equal(t, len(updates), 2)
	baseline := mustParseDocument(t, testCib)
	assert.Equal(t, updates[1].String(), baseline.String())

	version, err := updates[1].Version()
	assert.Equal(t, err, nil)
	assert.Equal(t, version.String(), "0:1:0")
}

func TestSignOffReleasesMirror(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)

	var mirror *Document
	cib.AddUpdateCallback(func(doc *Document) {
		mirror = doc
	})
	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	assert.NotEqual(t, mirror, nil)
	assert.Equal(t, mirror.Closed(), false)

	assert.Equal(t, cib.SignOff(), nil)
	assert.Equal(t, client.signOffCount, 1)
	assert.Equal(t, mirror.Closed(), true)

	// already signed off
	assert.Equal(t, cib.SignOff(), nil)
	assert.Equal(t, client.signOffCount, 1)
}

func TestSubscribe(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)

	events := []CibEvent{}
	unsub, err := cib.Subscribe(func(event CibEvent, doc *Document) {
		events = append(events, event)
		if event == UpdateEvent {
			assert.NotEqual(t, doc, nil)
		} else {
			assert.Equal(t, doc, nil)
		}
	})
	assert.Equal(t, err, nil)

	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	client.disconnectNotify()
	assert.Equal(t, events, []CibEvent{UpdateEvent, DestroyEvent})

	// unsubscribed consumers see nothing further
	unsub()
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	client.deliverDiff(t, patchXml(1, 2, `<change operation="delete" path="/cib/configuration"/>`))
	assert.Equal(t, len(events), 2)
}

func TestSubscribeRegistrationFailure(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	client.setDisconnectErr = RcError(RcConnectionFailed)

	_, err := cib.Subscribe(func(event CibEvent, doc *Document) {
		t.Fatalf("callback fired for a failed registration")
	})
	assert.Equal(t, ErrorRc(err), RcConnectionFailed)
	assert.Equal(t, cib.destroyCallbacks.Len(), 0)
	assert.Equal(t, cib.updateCallbacks.Len(), 0)
}

func TestUpdateCallbackPanicContained(t *testing.T) {
	cib, client := newTestCib(t)
	assert.Equal(t, cib.SignOn("test", ConnectionTypeQuery), nil)
	_, err := cib.RegisterNotifyCallbacks()
	assert.Equal(t, err, nil)

	cib.AddUpdateCallback(func(doc *Document) {
		panic("consumer bug")
	})
	updateCount := 0
	cib.AddUpdateCallback(func(doc *Document) {
		updateCount += 1
	})

	client.deliverDiff(t, patchXml(0, 1, `<change operation="delete" path="/cib/status"/>`))
	assert.Equal(t, updateCount, 1)
}

func TestScheduleIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := mainloop.NewLoopWithDefaults(ctx)

	// the tick re-arms implicitly and never stops on its own
	ticks := 0
	ScheduleIdle(loop, func() {
		ticks += 1
		if ticks == 200 {
			loop.Quit()
		}
	})
	loop.Run()
	assert.Equal(t, ticks, 200)
}

func TestScheduleIdleUnschedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := mainloop.NewLoopWithDefaults(ctx)

	ticks := 0
	var unschedule func()
	unschedule = ScheduleIdle(loop, func() {
		ticks += 1
		if ticks == 10 {
			unschedule()
			loop.Post(func() {
				loop.Quit()
			})
		}
	})
	loop.Run()
	assert.Equal(t, ticks, 10)
}
