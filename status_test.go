package cibsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

const testStatusCib = `<cib admin_epoch="0" epoch="3" num_updates="12" validate-with="pacemaker-3.0" have-quorum="1">
  <configuration/>
  <status>
    <node_state id="1" uname="alpha" in_ccm="true" crmd="online" join="member" expected="member">
      <lrm>
        <lrm_resources>
          <lrm_resource id="vip" type="IPaddr2" class="ocf" provider="heartbeat">
            <lrm_rsc_op operation="start" call-id="12" rc-code="0" on_node="alpha" exec-time="55" queue-time="0"/>
            <lrm_rsc_op operation="monitor" call-id="13" rc-code="0" on_node="alpha" exec-time="20" queue-time="0"/>
          </lrm_resource>
        </lrm_resources>
      </lrm>
      <transient_attributes>
        <instance_attributes>
          <nvpair name="shutdown" value="0"/>
        </instance_attributes>
      </transient_attributes>
    </node_state>
    <node_state id="2" uname="beta" in_ccm="false" crmd="offline" join="down" expected="down"/>
  </status>
</cib>`

func TestDecodeState(t *testing.T) {
	doc := mustParseDocument(t, testStatusCib)

	state, err := doc.DecodeState()
	assert.Equal(t, err, nil)

	assert.Equal(t, state.Attributes["epoch"], "3")
	assert.Equal(t, state.Attributes["num_updates"], "12")
	assert.Equal(t, state.Attributes["have-quorum"], "1")

	assert.Equal(t, len(state.Status.NodeState), 2)

	alpha := state.Status.NodeState[0]
	assert.Equal(t, alpha.Uname, "alpha")
	assert.Equal(t, alpha.InCCM, true)
	assert.Equal(t, alpha.Join, "member")
	assert.Equal(t, len(alpha.Resources), 1)

	vip := alpha.Resources[0]
	assert.Equal(t, vip.Id, "vip")
	assert.Equal(t, vip.Class, "ocf")
	assert.Equal(t, vip.Provider, "heartbeat")
	assert.Equal(t, len(vip.Ops), 2)
	assert.Equal(t, vip.Ops[0].Operation, "start")
	assert.Equal(t, vip.Ops[0].CallId, 12)
	assert.Equal(t, vip.Ops[1].Operation, "monitor")

	assert.Equal(t, len(alpha.Attributes), 1)
	assert.Equal(t, alpha.Attributes[0].Name, "shutdown")

	beta := state.Status.NodeState[1]
	assert.Equal(t, beta.Uname, "beta")
	assert.Equal(t, beta.InCCM, false)
}

func TestDecodeStateBadDocument(t *testing.T) {
	doc := mustParseDocument(t, testStatusCib)
	// a tag the tokenizer rejects
	doc.Root().CreateElement("bad element")

	_, err := doc.DecodeState()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ErrorRc(err), RcBadPayload)
}

func TestDecodeStateAfterPatch(t *testing.T) {
	doc := mustParseDocument(t, testStatusCib)

	patch := mustParsePatchset(t, `<diff format="2"><version>`+
		`<source admin_epoch="0" epoch="3" num_updates="12"/>`+
		`<target admin_epoch="0" epoch="3" num_updates="13"/>`+
		`</version>`+
		`<change operation="modify" path="/cib/status/node_state[@id='2']"><change-list><change-attr name="crmd" operation="set" value="online"/></change-list></change>`+
		`</diff>`)
	assert.Equal(t, doc.ApplyPatchset(patch, true), nil)

	state, err := doc.DecodeState()
	assert.Equal(t, err, nil)
	assert.Equal(t, state.Attributes["num_updates"], "13")
	assert.Equal(t, state.Status.NodeState[1].Crmd, "online")
}
