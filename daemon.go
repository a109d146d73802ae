package cibsync

// the boundary to the coordination daemon. `Cib` drives a session
// through this interface and never sees the wire protocol. `WsClient`
// is the in-repo implementation; tests substitute their own.

type DestroyFunction = func()
type NotifyFunction = func(event string, msg *Message)

type QueryOptions struct {
	// `section` is an xpath expression rather than a section name
	XPath bool
	// answer from the local node without cluster-wide coordination
	ScopeLocal bool
	// omit children of the matched element
	NoChildren bool
}

type DaemonClient interface {
	// establish a session of the given type under the given client name
	SignOn(name string, connType ConnectionType) error

	// terminate the session. safe to call when never signed on.
	SignOff() error

	// synchronous round-trip fetch of the named section, or the whole
	// document when `section` is empty. blocks the calling goroutine
	// until the daemon answers or the call times out.
	Query(section string, opts QueryOptions) (*Document, error)

	// install the callback invoked when the daemon tears down the
	// connection. returns an `RcNotSupported` error when the
	// connection type cannot carry destroy notifications.
	SetDisconnectNotifier(notify DestroyFunction) error

	// register the callback for a notification topic. returns an
	// `RcNotSupported` error when the connection type cannot carry
	// the topic.
	AddNotifyCallback(topic string, notify NotifyFunction) error

	// drop any registered callback for the topic. removing a topic
	// that was never registered is a no-op.
	DelNotifyCallback(topic string) error
}
