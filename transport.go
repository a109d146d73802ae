package cibsync

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/ClusterLabs/cibsync/mainloop"
)

// websocket transport to the coordination daemon.
// messages are xml envelopes. requests are `cib_command` elements with
// a ulid call id, answered by `cib_reply` elements carrying the daemon
// result code and optional call data. unsolicited `notify` envelopes
// carry topic notifications and are dispatched onto the main loop, so
// all bridge callbacks run on the one loop goroutine.

type WsClientSettings struct {
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
}

func DefaultWsClientSettings() *WsClientSettings {
	return &WsClientSettings{
		HandshakeTimeout: 2 * time.Second,
		CallTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      5 * time.Second,
	}
}

type WsClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop      *mainloop.Loop
	daemonUrl string
	settings  *WsClientSettings

	// serializes frames onto the socket
	writeLock sync.Mutex

	stateLock        sync.Mutex
	ws               *websocket.Conn
	signedOn         bool
	signingOff       bool
	connType         ConnectionType
	pendingCalls     map[Id]chan *Message
	notifyCallbacks  map[string]NotifyFunction
	disconnectNotify DestroyFunction
}

func NewWsClientWithDefaults(ctx context.Context, loop *mainloop.Loop, daemonUrl string) *WsClient {
	return NewWsClient(ctx, loop, daemonUrl, DefaultWsClientSettings())
}

func NewWsClient(ctx context.Context, loop *mainloop.Loop, daemonUrl string, settings *WsClientSettings) *WsClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsClient{
		ctx:             cancelCtx,
		cancel:          cancel,
		loop:            loop,
		daemonUrl:       daemonUrl,
		settings:        settings,
		pendingCalls:    map[Id]chan *Message{},
		notifyCallbacks: map[string]NotifyFunction{},
	}
}

func (self *WsClient) SignOn(name string, connType ConnectionType) error {
	alreadySignedOn := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		alreadySignedOn = self.signedOn
	}()
	if alreadySignedOn {
		return nil
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.daemonUrl, nil)
	if err != nil {
		return NewCibError(RcConnectionFailed, "cannot reach daemon at %s: %s", self.daemonUrl, err)
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.ws = ws
		self.signingOff = false
		self.connType = connType
	}()
	go self.readPump(ws)
	go self.pingPump(ws)

	command := newCommand("signon")
	command.CreateAttr("name", name)
	command.CreateAttr("type", connType.String())
	reply, err := self.call(command)
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		self.teardown(ws, true)
		return err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.signedOn = true
	}()
	glog.V(1).Infof("[ws]signon %s %s\n", name, connType)
	return nil
}

func (self *WsClient) SignOff() error {
	var ws *websocket.Conn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.signedOn {
			return
		}
		self.signedOn = false
		// deliberate teardown, the consumer initiated it
		self.signingOff = true
		ws = self.ws
	}()
	if ws == nil {
		return nil
	}

	// best effort, the close below is what matters
	if reply, err := self.call(newCommand("signoff")); err == nil {
		if err := replyError(reply); err != nil {
			glog.V(1).Infof("[ws]signoff reply error = %s\n", err)
		}
	}
	self.teardown(ws, true)
	return nil
}

func (self *WsClient) Query(section string, opts QueryOptions) (*Document, error) {
	command := newCommand("query")
	if section != "" {
		command.CreateAttr("section", section)
	}
	if opts.XPath {
		command.CreateAttr("xpath", "true")
	}
	if opts.ScopeLocal {
		command.CreateAttr("scope_local", "true")
	}
	if opts.NoChildren {
		command.CreateAttr("no_children", "true")
	}

	reply, err := self.call(command)
	if err != nil {
		return nil, err
	}
	if err := replyError(reply); err != nil {
		return nil, err
	}
	calldata := reply.Field("cib_calldata")
	if calldata == nil {
		return nil, NewCibError(RcBadPayload, "query reply has no calldata")
	}
	content := calldata.ChildElements()
	if len(content) == 0 {
		return nil, NewCibError(RcBadPayload, "query reply calldata is empty")
	}
	return documentFromElement(content[0]), nil
}

func (self *WsClient) SetDisconnectNotifier(notify DestroyFunction) error {
	connType := self.currentConnType()
	if !connType.SupportedNotify().Has(NotifyDestroy) {
		return RcError(RcNotSupported)
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.disconnectNotify = notify
	return nil
}

func (self *WsClient) AddNotifyCallback(topic string, notify NotifyFunction) error {
	connType := self.currentConnType()
	if !connType.SupportedNotify().Has(NotifyAddRemove) {
		return RcError(RcNotSupported)
	}

	command := newCommand("register_notify")
	command.CreateAttr("topic", topic)
	reply, err := self.call(command)
	if err == nil {
		err = replyError(reply)
	}
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.notifyCallbacks[topic] = notify
	return nil
}

func (self *WsClient) DelNotifyCallback(topic string) error {
	registered := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		_, registered = self.notifyCallbacks[topic]
		delete(self.notifyCallbacks, topic)
	}()
	if !registered {
		return nil
	}

	command := newCommand("del_notify")
	command.CreateAttr("topic", topic)
	reply, err := self.call(command)
	if err == nil {
		err = replyError(reply)
	}
	return err
}

func (self *WsClient) Close() {
	self.SignOff()
	self.cancel()
}

func (self *WsClient) currentConnType() ConnectionType {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connType
}

// synchronous round-trip. blocks the calling goroutine until the
// daemon answers, the call times out, or the connection dies.
func (self *WsClient) call(command *etree.Element) (*Message, error) {
	callId := NewId()
	command.CreateAttr("call_id", callId.String())

	replies := make(chan *Message, 1)
	var ws *websocket.Conn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		ws = self.ws
		if ws != nil {
			self.pendingCalls[callId] = replies
		}
	}()
	if ws == nil {
		return nil, RcError(RcNotConnected)
	}
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.pendingCalls, callId)
	}()

	data, err := serializeElement(command)
	if err != nil {
		return nil, err
	}
	if err := self.write(ws, data); err != nil {
		return nil, NewCibError(RcNotConnected, "write failed: %s", err)
	}

	select {
	case <-self.ctx.Done():
		return nil, RcError(RcNotConnected)
	case reply, ok := <-replies:
		if !ok {
			// connection died under the call
			return nil, RcError(RcNotConnected)
		}
		return reply, nil
	case <-time.After(self.settings.CallTimeout):
		return nil, RcError(RcTimeout)
	}
}

func (self *WsClient) write(ws *websocket.Conn, data []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (self *WsClient) readPump(ws *websocket.Conn) {
	defer self.teardown(ws, false)

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]<- error = %s\n", err)
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			glog.V(1).Infof("[ws]<- bad message = %s\n", err)
			continue
		}

		switch msg.Root().Tag {
		case "cib_reply":
			self.deliverReply(msg)
		case "notify":
			self.deliverNotify(msg)
		default:
			glog.V(2).Infof("[ws]<- other = %s\n", msg.Root().Tag)
		}
	}
}

func (self *WsClient) pingPump(ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		self.writeLock.Lock()
		err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout))
		self.writeLock.Unlock()
		if err != nil {
			return
		}
	}
}

func (self *WsClient) deliverReply(msg *Message) {
	callId, err := ParseId(msg.Attr("call_id"))
	if err != nil {
		glog.V(1).Infof("[ws]<- reply with bad call id = %s\n", err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if replies, ok := self.pendingCalls[callId]; ok {
		delete(self.pendingCalls, callId)
		replies <- msg
	}
}

func (self *WsClient) deliverNotify(msg *Message) {
	topic := msg.Attr("topic")

	var notify NotifyFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		notify = self.notifyCallbacks[topic]
	}()
	if notify == nil {
		glog.V(2).Infof("[ws]<- unhandled notify %s\n", topic)
		return
	}

	// notification order is preserved, the loop runs posts in order
	self.loop.Post(func() {
		notify(topic, msg)
	})
}

// close the socket and fail anything waiting on it. a teardown the
// consumer did not ask for raises the disconnect notifier on the loop.
func (self *WsClient) teardown(ws *websocket.Conn, deliberate bool) {
	var pendingCalls map[Id]chan *Message
	var disconnectNotify DestroyFunction
	notifyDestroy := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.ws != ws {
			// already torn down
			return
		}
		self.ws = nil
		notifyDestroy = self.signedOn && !deliberate && !self.signingOff
		self.signedOn = false
		pendingCalls = self.pendingCalls
		self.pendingCalls = map[Id]chan *Message{}
		disconnectNotify = self.disconnectNotify
	}()

	ws.Close()
	for _, replies := range pendingCalls {
		close(replies)
	}

	if notifyDestroy && disconnectNotify != nil {
		glog.Infof("[ws]connection lost\n")
		self.loop.Post(func() {
			disconnectNotify()
		})
	}
}

func newCommand(op string) *etree.Element {
	command := etree.NewElement("cib_command")
	command.CreateAttr("op", op)
	return command
}

func serializeElement(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.AddChild(el)
	return doc.WriteToBytes()
}

func replyError(reply *Message) error {
	rcStr := reply.Attr("rc")
	if rcStr == "" {
		return NewCibError(RcBadPayload, "reply has no rc")
	}
	rcInt, err := strconv.Atoi(rcStr)
	if err != nil {
		return NewCibError(RcBadPayload, "bad rc %q: %s", rcStr, err)
	}
	if rc := Rc(rcInt); rc != RcOk {
		return RcError(rc)
	}
	return nil
}
