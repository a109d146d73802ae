package cibsync

import (
	"github.com/beevik/etree"
)

// field carrying the diff payload in a change notification
const FieldUpdateResult = "cib_update_result"

// notification topics
const (
	DiffNotifyTopic    = "cib_diff_notify"
	DestroyNotifyTopic = "cib_destroy_notify"
)

// one message delivered by the daemon. fields are child elements of
// the envelope root.
type Message struct {
	root *etree.Element
}

func ParseMessage(data []byte) (*Message, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, NewCibError(RcBadPayload, "cannot parse message: %s", err)
	}
	if doc.Root() == nil {
		return nil, NewCibError(RcBadPayload, "message has no root element")
	}
	return &Message{root: doc.Root()}, nil
}

func MessageFromElement(root *etree.Element) *Message {
	if root == nil {
		return nil
	}
	return &Message{root: root}
}

func (self *Message) Root() *etree.Element {
	return self.root
}

func (self *Message) Attr(name string) string {
	if self.root == nil {
		return ""
	}
	return self.root.SelectAttrValue(name, "")
}

// the named field element, or nil when absent
func (self *Message) Field(name string) *etree.Element {
	if self.root == nil {
		return nil
	}
	return self.root.SelectElement(name)
}

// the diff payload of a change notification, or nil when the message
// does not carry one
func (self *Message) UpdateResult() *Patchset {
	return PatchsetFromElement(self.Field(FieldUpdateResult))
}
