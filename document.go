package cibsync

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"

	"github.com/golang/glog"
)

// the locally cached cluster document. a `Document` wraps the xml tree
// and is exclusively owned by its holder. consumers receiving a
// document through an update callback must treat it as read-only and
// `Copy` it before retaining it past the callback's return.
type Document struct {
	doc *etree.Document
}

func ParseDocument(data []byte) (*Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, NewCibError(RcBadPayload, "cannot parse document: %s", err)
	}
	if doc.Root() == nil {
		return nil, NewCibError(RcBadPayload, "document has no root element")
	}
	return &Document{doc: doc}, nil
}

func ParseDocumentString(data string) (*Document, error) {
	return ParseDocument([]byte(data))
}

func documentFromElement(root *etree.Element) *Document {
	doc := etree.NewDocument()
	doc.AddChild(root.Copy())
	return &Document{doc: doc}
}

func (self *Document) Root() *etree.Element {
	if self.doc == nil {
		return nil
	}
	return self.doc.Root()
}

func (self *Document) String() string {
	if self.doc == nil {
		return ""
	}
	out, err := self.doc.WriteToString()
	if err != nil {
		return ""
	}
	return out
}

func (self *Document) Bytes() ([]byte, error) {
	if self.doc == nil {
		return nil, RcError(RcBadPayload)
	}
	return self.doc.WriteToBytes()
}

func (self *Document) Copy() *Document {
	if self.doc == nil {
		return &Document{}
	}
	return &Document{doc: self.doc.Copy()}
}

// release the tree. further use of the document is a no-op.
func (self *Document) Close() {
	self.doc = nil
}

func (self *Document) Closed() bool {
	return self.doc == nil
}

// document generation as tracked by the daemon
type CibVersion struct {
	AdminEpoch int32
	Epoch      int32
	NumUpdates int32
}

func (self *CibVersion) String() string {
	return fmt.Sprintf("%d:%d:%d", self.AdminEpoch, self.Epoch, self.NumUpdates)
}

func (self *CibVersion) Compare(b *CibVersion) int {
	if self.AdminEpoch != b.AdminEpoch {
		if self.AdminEpoch < b.AdminEpoch {
			return -1
		}
		return 1
	}
	if self.Epoch != b.Epoch {
		if self.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if self.NumUpdates != b.NumUpdates {
		if self.NumUpdates < b.NumUpdates {
			return -1
		}
		return 1
	}
	return 0
}

func versionFromElement(el *etree.Element) (*CibVersion, error) {
	if el == nil {
		return nil, NewCibError(RcBadPayload, "missing version element")
	}
	attr := func(name string) (int32, error) {
		value := el.SelectAttrValue(name, "")
		if value == "" {
			return 0, NewCibError(RcBadPayload, "missing version attribute %q", name)
		}
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return 0, NewCibError(RcBadPayload, "bad version attribute %q: %s", name, err)
		}
		return int32(n), nil
	}
	adminEpoch, err := attr("admin_epoch")
	if err != nil {
		return nil, err
	}
	epoch, err := attr("epoch")
	if err != nil {
		return nil, err
	}
	numUpdates, err := attr("num_updates")
	if err != nil {
		return nil, err
	}
	return &CibVersion{
		AdminEpoch: adminEpoch,
		Epoch:      epoch,
		NumUpdates: numUpdates,
	}, nil
}

func (self *Document) Version() (*CibVersion, error) {
	root := self.Root()
	if root == nil {
		return nil, RcError(RcBadPayload)
	}
	return versionFromElement(root)
}

// a single diff payload extracted from one change notification.
// format "2": a `version` element with source/target generations and a
// sequence of `change` operations keyed by element path.
type Patchset struct {
	root *etree.Element
}

func PatchsetFromElement(el *etree.Element) *Patchset {
	if el == nil {
		return nil
	}
	if el.Tag != "diff" {
		el = el.SelectElement("diff")
		if el == nil {
			return nil
		}
	}
	return &Patchset{root: el}
}

func ParsePatchset(data []byte) (*Patchset, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, NewCibError(RcBadPayload, "cannot parse patchset: %s", err)
	}
	patch := PatchsetFromElement(doc.Root())
	if patch == nil {
		return nil, NewCibError(RcBadPayload, "patchset has no diff element")
	}
	return patch, nil
}

func (self *Patchset) Changes() []*etree.Element {
	return self.root.SelectElements("change")
}

func (self *Patchset) SourceVersion() (*CibVersion, error) {
	version := self.root.SelectElement("version")
	if version == nil {
		return nil, NewCibError(RcBadPayload, "patchset has no version element")
	}
	return versionFromElement(version.SelectElement("source"))
}

func (self *Patchset) TargetVersion() (*CibVersion, error) {
	version := self.root.SelectElement("version")
	if version == nil {
		return nil, NewCibError(RcBadPayload, "patchset has no version element")
	}
	return versionFromElement(version.SelectElement("target"))
}

// apply a patchset to the document in place.
// with `allowPartial`, changes that cannot be reconciled are skipped
// and whatever portion succeeds is committed. without it, the first
// inapplicable change aborts and the document may be left mid-patch,
// so strict callers should apply to a `Copy`.
func (self *Document) ApplyPatchset(patch *Patchset, allowPartial bool) error {
	if self.doc == nil {
		return NewCibError(RcBadPayload, "cannot patch a released document")
	}
	if patch == nil || patch.root == nil {
		return NewCibError(RcBadPayload, "empty patchset")
	}

	if sourceVersion, err := patch.SourceVersion(); err == nil {
		if currentVersion, err := self.Version(); err == nil {
			if sourceVersion.Compare(currentVersion) != 0 {
				if !allowPartial {
					return NewCibError(RcBadPayload, "patch source version %s does not match document version %s", sourceVersion, currentVersion)
				}
				glog.V(1).Infof("[doc]patch source version %s != %s, applying anyway\n", sourceVersion, currentVersion)
			}
		}
	}

	failedCount := 0
	for _, change := range patch.Changes() {
		if err := self.applyChange(change); err != nil {
			if !allowPartial {
				return err
			}
			failedCount += 1
			glog.V(1).Infof("[doc]skipped change %s %s = %s\n", change.SelectAttrValue("operation", ""), change.SelectAttrValue("path", ""), err)
		}
	}
	if 0 < failedCount {
		glog.V(1).Infof("[doc]patch partially applied, %d changes skipped\n", failedCount)
	}

	if targetVersion, err := patch.TargetVersion(); err == nil {
		root := self.doc.Root()
		root.CreateAttr("admin_epoch", strconv.FormatInt(int64(targetVersion.AdminEpoch), 10))
		root.CreateAttr("epoch", strconv.FormatInt(int64(targetVersion.Epoch), 10))
		root.CreateAttr("num_updates", strconv.FormatInt(int64(targetVersion.NumUpdates), 10))
	}
	return nil
}

func (self *Document) applyChange(change *etree.Element) error {
	operation := change.SelectAttrValue("operation", "")
	path := change.SelectAttrValue("path", "")
	if path == "" {
		return NewCibError(RcBadPayload, "change has no path")
	}

	switch operation {
	case "create":
		return self.applyCreate(change, path)
	case "modify":
		return self.applyModify(change, path)
	case "delete":
		return self.applyDelete(change, path)
	case "move":
		return self.applyMove(change, path)
	default:
		return NewCibError(RcBadPayload, "unknown change operation %q", operation)
	}
}

func (self *Document) applyCreate(change *etree.Element, path string) error {
	parent := self.doc.FindElement(path)
	if parent == nil {
		return NewCibError(RcFailed, "create parent %q not found", path)
	}
	content := change.ChildElements()
	if len(content) == 0 {
		return NewCibError(RcBadPayload, "create change has no content")
	}
	child := content[0].Copy()
	if positionStr := change.SelectAttrValue("position", ""); positionStr != "" {
		position, err := strconv.Atoi(positionStr)
		if err != nil {
			return NewCibError(RcBadPayload, "bad position %q: %s", positionStr, err)
		}
		insertChildAtElementIndex(parent, child, position)
	} else {
		parent.AddChild(child)
	}
	return nil
}

func (self *Document) applyModify(change *etree.Element, path string) error {
	target := self.doc.FindElement(path)
	if target == nil {
		return NewCibError(RcFailed, "modify target %q not found", path)
	}
	changeList := change.SelectElement("change-list")
	if changeList == nil {
		return NewCibError(RcBadPayload, "modify change has no change-list")
	}
	for _, changeAttr := range changeList.SelectElements("change-attr") {
		name := changeAttr.SelectAttrValue("name", "")
		if name == "" {
			return NewCibError(RcBadPayload, "change-attr has no name")
		}
		switch attrOperation := changeAttr.SelectAttrValue("operation", ""); attrOperation {
		case "set":
			target.CreateAttr(name, changeAttr.SelectAttrValue("value", ""))
		case "unset":
			target.RemoveAttr(name)
		default:
			return NewCibError(RcBadPayload, "unknown change-attr operation %q", attrOperation)
		}
	}
	return nil
}

func (self *Document) applyDelete(change *etree.Element, path string) error {
	target := self.doc.FindElement(path)
	if target == nil {
		return NewCibError(RcFailed, "delete target %q not found", path)
	}
	parent := target.Parent()
	if parent == nil {
		return NewCibError(RcFailed, "cannot delete document root")
	}
	parent.RemoveChild(target)
	return nil
}

func (self *Document) applyMove(change *etree.Element, path string) error {
	target := self.doc.FindElement(path)
	if target == nil {
		return NewCibError(RcFailed, "move target %q not found", path)
	}
	parent := target.Parent()
	if parent == nil {
		return NewCibError(RcFailed, "cannot move document root")
	}
	positionStr := change.SelectAttrValue("position", "")
	if positionStr == "" {
		return NewCibError(RcBadPayload, "move change has no position")
	}
	position, err := strconv.Atoi(positionStr)
	if err != nil {
		return NewCibError(RcBadPayload, "bad position %q: %s", positionStr, err)
	}
	parent.RemoveChild(target)
	insertChildAtElementIndex(parent, target, position)
	return nil
}

// position counts element children only, ignoring any interleaved text
func insertChildAtElementIndex(parent *etree.Element, child *etree.Element, position int) {
	childElements := parent.ChildElements()
	if len(childElements) <= position {
		parent.AddChild(child)
		return
	}
	parent.InsertChildAt(childElements[position].Index(), child)
}
