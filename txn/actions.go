package txn

import (
	"fmt"

	"github.com/sarchlab/chiconform/chi"
)

type funcAction struct {
	name string
	fn   func(View) Effect
}

func (a funcAction) Name() string      { return a.name }
func (a funcAction) Run(v View) Effect { return a.fn(v) }

// ActionFunc wraps fn as a named action.
func ActionFunc(name string, fn func(View) Effect) Action {
	return funcAction{name: name, fn: fn}
}

// Stop ends the chain successfully without sending anything.
func Stop() Action {
	return ActionFunc("stop", func(View) Effect { return Effect{} })
}

// CompAck answers the arrived phase with a CompAck. Following CHI, the
// acknowledgement reuses the DBID of the completion as its txn id and goes
// back to the node that sent the completion.
func CompAck() Action {
	return ActionFunc("comp_ack", func(v View) Effect {
		ph := reply(v.Phase)
		ph.SetOpcode(chi.RspCompAck)
		ph.Resp = chi.RespI
		return Effect{Inject: &ph}
	})
}

// WriteData sends one write data beat in reply to a DBID response.
func WriteData(op chi.DatOpcode, dataID uint8, resp chi.Resp) Action {
	name := fmt.Sprintf("write_data(%s,data_id=%d,resp=%s)", op, dataID, resp)
	return ActionFunc(name, func(v View) Effect {
		ph := reply(v.Phase)
		ph.SetOpcode(op)
		ph.DataID = dataID
		ph.Resp = resp
		return Effect{Inject: &ph}
	})
}

// Send derives a phase from the arrival with edit and sends it unchanged
// otherwise.
func Send(name string, edit func(*chi.Phase)) Action {
	return ActionFunc(name, func(v View) Effect {
		ph := v.Phase
		edit(&ph)
		return Effect{Inject: &ph}
	})
}

type continuing struct {
	Action
	cont bool
}

func (c continuing) Run(v View) Effect {
	e := c.Action.Run(v)
	e.Continue = c.cont
	return e
}

// WithContinue overrides whether the chain keeps waiting after a.
func WithContinue(a Action, cont bool) Action {
	return continuing{Action: a, cont: cont}
}

// reply turns an arrived phase around towards its sender.
func reply(in chi.Phase) chi.Phase {
	return chi.Phase{
		TxnID: in.DBID,
		SrcID: in.TgtID,
		TgtID: in.SrcID,
		QoS:   in.QoS,
	}
}
