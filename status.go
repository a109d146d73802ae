package cibsync

import (
	"bytes"
	"encoding/xml"
	"io"
)

// typed view of the cluster document. the mirror itself stays an
// opaque tree; `DecodeState` maps the pieces consumers commonly read
// (root attributes and the status section) onto structs.

type LrmRscOp struct {
	Operation    string `xml:"operation,attr"`
	CallId       int    `xml:"call-id,attr"`
	Rc           int    `xml:"rc-code,attr"`
	LastRun      string `xml:"last-run,attr"`
	LastRcChange string `xml:"last-rc-change,attr"`
	ExecTime     string `xml:"exec-time,attr"`
	QueueTime    string `xml:"queue-time,attr"`
	OnNode       string `xml:"on_node,attr"`
	ExitReason   string `xml:"exit-reason,attr"`
}

type LrmResource struct {
	Id       string     `xml:"id,attr"`
	Type     string     `xml:"type,attr"`
	Class    string     `xml:"class,attr"`
	Provider string     `xml:"provider,attr"`
	Ops      []LrmRscOp `xml:"lrm_rsc_op"`
}

type SimpleNVPair struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type NodeState struct {
	Id         string         `xml:"id,attr"`
	Uname      string         `xml:"uname,attr"`
	InCCM      bool           `xml:"in_ccm,attr"`
	Crmd       string         `xml:"crmd,attr"`
	Join       string         `xml:"join,attr"`
	Expected   string         `xml:"expected,attr"`
	Resources  []LrmResource  `xml:"lrm>lrm_resources>lrm_resource"`
	Attributes []SimpleNVPair `xml:"transient_attributes>instance_attributes>nvpair"`
}

type Status struct {
	NodeState []NodeState `xml:"node_state"`
}

type ClusterState struct {
	Attributes map[string]string
	Status     Status
}

func (self *Document) DecodeState() (*ClusterState, error) {
	data, err := self.Bytes()
	if err != nil {
		return nil, err
	}

	state := &ClusterState{}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		t, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewCibError(RcBadPayload, "cannot decode document: %s", err)
		}
		switch se := t.(type) {
		case xml.StartElement:
			if se.Name.Local == "cib" {
				state.Attributes = map[string]string{}
				for _, attr := range se.Attr {
					state.Attributes[attr.Name.Local] = attr.Value
				}
			} else if se.Name.Local == "status" {
				if err := decoder.DecodeElement(&state.Status, &se); err != nil {
					return nil, NewCibError(RcBadPayload, "cannot decode status: %s", err)
				}
			}
		}
	}
	return state, nil
}
