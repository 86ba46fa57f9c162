package txn_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/txn"
)

func compData(resp chi.Resp, dataID uint8) chi.Phase {
	ph := chi.Phase{Resp: resp, DataID: dataID, SrcID: 8, TgtID: 0, DBID: 5}
	ph.SetOpcode(chi.DatCompData)
	return ph
}

func readShared() *txn.Transaction {
	payload, err := chi.NewPayload(0x80000000, true, 64)
	Expect(err).NotTo(HaveOccurred())

	phase := chi.NewRequest(chi.ReqReadShared)
	phase.ExpCompAck = true

	t, err := txn.New(txn.ID{Generator: 0, Seq: 0}, payload, phase,
		txn.Expect(txn.ChannelIs(chi.ChannelDAT)),
		txn.Expect(txn.OpcodeIs(chi.DatCompData)),
		txn.Expect(txn.RespIs(chi.RespUC)),
		txn.Expect(txn.DataIDIs(0)),
		txn.Wait(txn.ChannelIs(chi.ChannelDAT)),
		txn.Expect(txn.ChannelIs(chi.ChannelDAT)),
		txn.Expect(txn.OpcodeIs(chi.DatCompData)),
		txn.Expect(txn.RespIs(chi.RespUC)),
		txn.Expect(txn.DataIDIs(2)),
		txn.Do(txn.CompAck()),
	)
	Expect(err).NotTo(HaveOccurred())
	t.Start(10)
	return t
}

var _ = Describe("Transaction", func() {
	Describe("read shared", func() {
		It("should pass after both beats and send a CompAck", func() {
			t := readShared()

			cmds, err := t.Deliver(20, compData(chi.RespUC, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(BeEmpty())
			Expect(t.Outcome().Status).To(Equal(txn.StatusPending))
			// Four EXPECTs consumed, the WAIT is now at the head.
			Expect(t.Remaining()).To(Equal(6))

			cmds, err = t.Deliver(30, compData(chi.RespUC, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(HaveLen(1))

			ack := cmds[0].Phase
			Expect(ack.Is(chi.RspCompAck)).To(BeTrue())
			Expect(ack.Channel).To(Equal(chi.ChannelRSP))
			// CompAck carries the DBID and goes back to the sender.
			Expect(ack.TxnID).To(Equal(uint16(5)))
			Expect(ack.TgtID).To(Equal(uint16(8)))
			Expect(cmds[0].Txn).To(BeIdenticalTo(t))

			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusPassed))
			Expect(out.Tick).To(Equal(uint64(30)))
			Expect(t.Phase().Is(chi.RspCompAck)).To(BeTrue())
		})

		It("should let any number of non-DAT arrivals pass the WAIT", func() {
			t := readShared()
			_, err := t.Deliver(20, compData(chi.RespUC, 0))
			Expect(err).NotTo(HaveOccurred())

			other := chi.Phase{Resp: chi.RespI}
			other.SetOpcode(chi.RspRetryAck)
			for i := 0; i < 50; i++ {
				cmds, err := t.Deliver(uint64(21+i), other)
				Expect(err).NotTo(HaveOccurred())
				Expect(cmds).To(BeEmpty())
				Expect(t.Remaining()).To(Equal(6))
			}

			cmds, err := t.Deliver(100, compData(chi.RespUC, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(HaveLen(1))
			Expect(t.Outcome().Status).To(Equal(txn.StatusPassed))
		})
	})

	Describe("mismatch", func() {
		It("should fail at the resp check", func() {
			t := readShared()

			cmds, err := t.Deliver(20, compData(chi.RespSC, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(BeEmpty())

			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusFailed))
			Expect(out.Reason).To(Equal(txn.ReasonStepMismatch))
			Expect(out.Step).To(Equal(2))
			Expect(out.Expected).To(Equal("resp=UC"))
			Expect(out.Observed).To(Equal("resp=SC"))
			Expect(out.Phase.Resp).To(Equal(chi.RespSC))
		})

		It("should stay failed regardless of later arrivals", func() {
			t := readShared()
			_, _ = t.Deliver(20, compData(chi.RespSC, 0))

			_, err := t.Deliver(30, compData(chi.RespUC, 2))
			Expect(err).To(MatchError(txn.ErrProtocolViolation))

			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusFailed))
			Expect(out.Reason).To(Equal(txn.ReasonStepMismatch))
			Expect(out.Step).To(Equal(2))
			Expect(t.Violations()).To(Equal(1))
		})

		It("should report an unknown opcode as a mismatch", func() {
			t := readShared()

			unknown := chi.Phase{Channel: chi.ChannelDAT, Opcode: 0x3F}
			_, err := t.Deliver(20, unknown)
			Expect(err).NotTo(HaveOccurred())

			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusFailed))
			Expect(out.Reason).To(Equal(txn.ReasonStepMismatch))
			Expect(out.Step).To(Equal(1))
			Expect(out.Expected).To(Equal("opcode=DAT.COMP_DATA"))
			Expect(out.Observed).To(Equal("opcode=DAT.?(0x3f)"))
		})
	})

	Describe("determinism", func() {
		It("should reach the same outcome when replayed", func() {
			arrivals := []chi.Phase{
				compData(chi.RespUC, 0),
				{Channel: chi.ChannelRSP, Opcode: chi.RspComp.Code()},
				compData(chi.RespSC, 2),
			}

			var outcomes []txn.Outcome
			for i := 0; i < 2; i++ {
				t := readShared()
				for j, ph := range arrivals {
					_, _ = t.Deliver(uint64(20+j), ph)
				}
				outcomes = append(outcomes, t.Outcome())
			}

			Expect(outcomes[0]).To(Equal(outcomes[1]))
			Expect(outcomes[0].Status).To(Equal(txn.StatusFailed))
			Expect(outcomes[0].Step).To(Equal(7))
		})
	})

	Describe("timeout", func() {
		It("should time out, not fail, when no answer comes", func() {
			t := readShared()

			Expect(t.Timeout(1000)).To(BeTrue())
			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusTimedOut))
			Expect(out.Reason).To(Equal(txn.ReasonTimeout))
			Expect(out.Step).To(Equal(0))
			Expect(out.Expected).To(Equal("EXPECT(channel=DAT)"))
			Expect(out.Observed).To(Equal("no arrival"))
		})

		It("should name the WAIT that was still unresolved", func() {
			t := readShared()
			_, _ = t.Deliver(20, compData(chi.RespUC, 0))

			Expect(t.Timeout(1000)).To(BeTrue())
			out := t.Outcome()
			Expect(out.Step).To(Equal(4))
			Expect(out.Expected).To(Equal("WAIT(channel=DAT)"))
		})

		It("should not touch terminal transactions", func() {
			t := readShared()
			_, _ = t.Deliver(20, compData(chi.RespSC, 0))

			Expect(t.Timeout(1000)).To(BeFalse())
			Expect(t.Outcome().Status).To(Equal(txn.StatusFailed))
		})

		It("should report transactions never injected", func() {
			payload, _ := chi.NewPayload(0, false, 64)
			t, err := txn.New(txn.ID{}, payload, chi.NewRequest(chi.ReqReadOnce),
				txn.Expect(txn.Always()))
			Expect(err).NotTo(HaveOccurred())

			Expect(t.Timeout(5)).To(BeTrue())
			Expect(t.Outcome().Observed).To(Equal("not injected"))
		})
	})

	Describe("protocol violation", func() {
		It("should turn a passed transaction into a failure", func() {
			t := readShared()
			_, _ = t.Deliver(20, compData(chi.RespUC, 0))
			_, _ = t.Deliver(30, compData(chi.RespUC, 2))
			Expect(t.Outcome().Status).To(Equal(txn.StatusPassed))

			_, err := t.Deliver(40, compData(chi.RespUC, 2))
			Expect(err).To(MatchError(txn.ErrProtocolViolation))

			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusFailed))
			Expect(out.Reason).To(Equal(txn.ReasonProtocolViolation))
			Expect(out.Tick).To(Equal(uint64(40)))
		})

		It("should keep a timed out status", func() {
			t := readShared()
			t.Timeout(100)

			_, err := t.Deliver(200, compData(chi.RespUC, 0))
			Expect(err).To(MatchError(txn.ErrProtocolViolation))
			Expect(t.Outcome().Status).To(Equal(txn.StatusTimedOut))
			Expect(t.Violations()).To(Equal(1))
		})
	})

	Describe("steps", func() {
		var payload chi.Payload

		BeforeEach(func() {
			payload, _ = chi.NewPayload(0x1000, false, 64)
		})

		It("should pass a transaction without steps on injection", func() {
			t, err := txn.New(txn.ID{Seq: 1}, payload, chi.NewRequest(chi.ReqEvict))
			Expect(err).NotTo(HaveOccurred())

			t.Start(10)
			Expect(t.Outcome().Status).To(Equal(txn.StatusPassed))
			Expect(t.Outcome().Tick).To(Equal(uint64(10)))
		})

		It("should reject steps once terminal", func() {
			t, _ := txn.New(txn.ID{}, payload, chi.NewRequest(chi.ReqEvict))
			t.Start(10)

			Expect(t.Expect(txn.Always())).To(MatchError(txn.ErrTerminal))
		})

		It("should reject malformed steps", func() {
			t, _ := txn.New(txn.ID{}, payload, chi.NewRequest(chi.ReqEvict))
			Expect(t.AddStep(txn.Step{Kind: txn.KindExpect})).To(HaveOccurred())
			Expect(t.AddStep(txn.Step{Kind: txn.KindDo})).To(HaveOccurred())
		})

		It("should discard the rest of the chain when DO stops", func() {
			t, _ := txn.New(txn.ID{}, payload, chi.NewRequest(chi.ReqReadOnce),
				txn.Do(txn.Stop()),
				txn.Expect(txn.Always()),
				txn.Expect(txn.Always()),
			)
			t.Start(1)

			cmds, err := t.Deliver(2, compData(chi.RespI, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(BeEmpty())

			out := t.Outcome()
			Expect(out.Status).To(Equal(txn.StatusPassed))
			Expect(out.Skipped).To(Equal(2))
		})

		It("should suspend after a continuing DO", func() {
			t, _ := txn.New(txn.ID{}, payload, chi.NewRequest(chi.ReqWriteUniquePtl),
				txn.Expect(txn.OpcodeIs(chi.RspDBIDResp)),
				txn.Do(txn.WithContinue(txn.WriteData(chi.DatNonCopyBackWrDat, 0, chi.RespI), true)),
				txn.Expect(txn.OpcodeIs(chi.RspComp)),
			)
			t.Start(1)

			dbid := chi.Phase{DBID: 9, SrcID: 8}
			dbid.SetOpcode(chi.RspDBIDResp)
			cmds, err := t.Deliver(2, dbid)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(HaveLen(1))
			Expect(cmds[0].Phase.Is(chi.DatNonCopyBackWrDat)).To(BeTrue())
			Expect(cmds[0].Phase.TxnID).To(Equal(uint16(9)))
			Expect(t.Outcome().Status).To(Equal(txn.StatusPending))

			comp := chi.Phase{}
			comp.SetOpcode(chi.RspComp)
			cmds, err = t.Deliver(3, comp)
			Expect(err).NotTo(HaveOccurred())
			Expect(cmds).To(BeEmpty())
			Expect(t.Outcome().Status).To(Equal(txn.StatusPassed))
		})

		It("should not let EXPECT change the transaction", func() {
			t, _ := txn.New(txn.ID{}, payload, chi.NewRequest(chi.ReqReadOnce),
				txn.Expect(txn.Predicate("peek", func(v txn.View) bool {
					v.Phase.Resp = chi.RespUD
					return true
				})),
				txn.Expect(txn.RespIs(chi.RespI)),
			)
			t.Start(1)

			_, err := t.Deliver(2, compData(chi.RespI, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Outcome().Status).To(Equal(txn.StatusPassed))
		})
	})
})

var _ = Describe("Conditions", func() {
	view := func(ph chi.Phase) txn.View { return txn.View{Phase: ph} }

	It("should build conditions from field names", func() {
		c, err := txn.FieldEquals(chi.FieldOpcode, "COMP_DATA")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Describe()).To(Equal("opcode=DAT.COMP_DATA"))

		ok, _ := c.Eval(view(compData(chi.RespUC, 0)))
		Expect(ok).To(BeTrue())

		c, err = txn.FieldEquals(chi.FieldDBID, "5")
		Expect(err).NotTo(HaveOccurred())
		ok, _ = c.Eval(view(compData(chi.RespUC, 0)))
		Expect(ok).To(BeTrue())

		_, err = txn.FieldEquals(chi.FieldDataID, "beat")
		Expect(err).To(HaveOccurred())
		_, err = txn.FieldEquals(chi.FieldResp, "XX")
		Expect(err).To(HaveOccurred())
	})

	It("should report the first failing member of All", func() {
		c := txn.All(txn.ChannelIs(chi.ChannelDAT), txn.RespIs(chi.RespUC))
		Expect(c.Describe()).To(Equal("channel=DAT && resp=UC"))

		ok, observed := c.Eval(view(compData(chi.RespSD, 0)))
		Expect(ok).To(BeFalse())
		Expect(observed).To(Equal("resp=SD"))
	})

	It("should combine with Any and Not", func() {
		c := txn.Any(txn.RespIs(chi.RespUC), txn.RespIs(chi.RespSC))
		ok, _ := c.Eval(view(compData(chi.RespSC, 0)))
		Expect(ok).To(BeTrue())

		ok, _ = txn.Not(c).Eval(view(compData(chi.RespSC, 0)))
		Expect(ok).To(BeFalse())
		Expect(txn.Not(c).Describe()).To(Equal("!(resp=UC || resp=SC)"))
	})

	It("should only match data ids on DAT phases", func() {
		var comp chi.Phase
		comp.SetOpcode(chi.RspComp)

		ok, observed := txn.DataIDIs(0).Eval(view(comp))
		Expect(ok).To(BeFalse())
		Expect(observed).To(Equal("data_id=n/a on RSP"))

		ok, _ = txn.DataIDIs(0).Eval(view(compData(chi.RespUC, 0)))
		Expect(ok).To(BeTrue())
	})

	It("should only accept identifier fields in IDIs", func() {
		_, err := txn.IDIs(chi.FieldResp, 1)
		Expect(err).To(HaveOccurred())
	})
})
