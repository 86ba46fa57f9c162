package fabric_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/config"
	"github.com/sarchlab/chiconform/fabric"
	"github.com/sarchlab/chiconform/simhost"
)

type arrival struct {
	tick  uint64
	phase chi.Phase
}

type recorder struct {
	host     *simhost.Host
	arrivals []arrival
}

func (r *recorder) Recv(_ chi.Payload, phase chi.Phase) error {
	r.arrivals = append(r.arrivals, arrival{tick: r.host.CurrentTick(), phase: phase})
	return nil
}

var _ = Describe("HomeNode", func() {
	var (
		host *simhost.Host
		home *fabric.HomeNode
		rec  *recorder
		port *fabric.Port
		line chi.Payload
	)

	BeforeEach(func() {
		host = simhost.New()

		cfg := config.DefaultRunConfig().Home
		cfg.NodeID = 8
		cfg.RequestLatency = 20

		var err error
		home, err = fabric.New(cfg, host)
		Expect(err).NotTo(HaveOccurred())

		rec = &recorder{host: host}
		port = home.Connect(rec)

		line, err = chi.NewPayload(0x80000000, true, 64)
		Expect(err).NotTo(HaveOccurred())
	})

	sendAt := func(p *fabric.Port, tick uint64, payload chi.Payload, ph chi.Phase) {
		host.Schedule(tick, func() { p.Send(payload, ph) })
	}

	request := func(op chi.ReqOpcode, txnID uint16, expCompAck bool) chi.Phase {
		ph := chi.NewRequest(op)
		ph.TxnID = txnID
		ph.SrcID = 1
		ph.TgtID = 8
		ph.ExpCompAck = expCompAck
		return ph
	}

	It("should reject an invalid configuration", func() {
		cfg := config.DefaultRunConfig().Home
		cfg.DataWidth = 0
		_, err := fabric.New(cfg, host)
		Expect(err).To(HaveOccurred())
	})

	It("should answer ReadShared with two UC data beats", func() {
		sendAt(port, 10, line, request(chi.ReqReadShared, 4, true))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals).To(HaveLen(2))
		for i, a := range rec.arrivals {
			Expect(a.phase.Is(chi.DatCompData)).To(BeTrue())
			Expect(a.phase.Resp).To(Equal(chi.RespUC))
			Expect(a.phase.TxnID).To(Equal(uint16(4)))
			Expect(a.phase.SrcID).To(Equal(uint16(8)))
			Expect(a.phase.TgtID).To(Equal(uint16(1)))
			Expect(a.phase.DataID).To(Equal(uint8(i * 2)))
			Expect(a.tick).To(Equal(uint64(30 + i)))
		}

		Expect(home.Outstanding()).To(Equal(1))
		Expect(home.Stats().DataBeats).To(Equal(uint64(2)))
	})

	It("should close the transaction on CompAck", func() {
		sendAt(port, 10, line, request(chi.ReqReadShared, 4, true))
		Expect(host.Run()).To(Succeed())

		ack := chi.Phase{TxnID: rec.arrivals[0].phase.DBID, SrcID: 1, TgtID: 8}
		ack.SetOpcode(chi.RspCompAck)
		sendAt(port, 40, line, ack)
		Expect(host.Run()).To(Succeed())

		Expect(home.Outstanding()).To(Equal(0))
		Expect(home.Stats().CompAcks).To(Equal(uint64(1)))
	})

	It("should grant SC to a second requester of the same line", func() {
		other := &recorder{host: host}
		otherPort := home.Connect(other)

		sendAt(port, 10, line, request(chi.ReqReadShared, 0, true))
		sendAt(otherPort, 50, line, request(chi.ReqReadShared, 0, true))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals[0].phase.Resp).To(Equal(chi.RespUC))
		Expect(other.arrivals).To(HaveLen(2))
		Expect(other.arrivals[0].phase.Resp).To(Equal(chi.RespSC))
		Expect(home.Directory().Holders(0x80000000)).To(Equal([]int{0, 1}))
	})

	It("should answer ReadOnce with I and not track the line", func() {
		sendAt(port, 10, line, request(chi.ReqReadOnce, 2, false))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals).To(HaveLen(2))
		Expect(rec.arrivals[0].phase.Resp).To(Equal(chi.RespI))
		Expect(home.Directory().Holders(0x80000000)).To(BeEmpty())
		Expect(home.Outstanding()).To(Equal(0))
	})

	It("should send one beat for a payload within the data width", func() {
		small, _ := chi.NewPayload(0x80000020, false, 8)
		sendAt(port, 10, small, request(chi.ReqReadNoSnp, 2, false))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals).To(HaveLen(1))
		Expect(rec.arrivals[0].phase.DataID).To(Equal(uint8(2)))
	})

	It("should complete CleanUnique with Comp UC", func() {
		sendAt(port, 10, line, request(chi.ReqCleanUnique, 3, true))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals).To(HaveLen(1))
		Expect(rec.arrivals[0].phase.Is(chi.RspComp)).To(BeTrue())
		Expect(rec.arrivals[0].phase.Resp).To(Equal(chi.RespUC))
		Expect(home.Directory().Unique(0x80000000)).To(BeTrue())
	})

	It("should collect write data after CompDBIDResp", func() {
		half, _ := chi.NewPayload(0x80000000, false, 32)
		sendAt(port, 10, half, request(chi.ReqWriteUniquePtl, 6, false))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals).To(HaveLen(1))
		grant := rec.arrivals[0].phase
		Expect(grant.Is(chi.RspCompDBIDResp)).To(BeTrue())
		Expect(home.Outstanding()).To(Equal(1))

		data := chi.Phase{TxnID: grant.DBID, SrcID: 1, TgtID: 8}
		data.SetOpcode(chi.DatNonCopyBackWrDat)
		sendAt(port, 40, half, data)
		Expect(host.Run()).To(Succeed())

		Expect(home.Outstanding()).To(Equal(0))
		Expect(home.Stats().WritesDone).To(Equal(uint64(1)))
	})

	It("should answer unsupported requests with NDERR", func() {
		sendAt(port, 10, line, request(chi.ReqDVMOp, 1, false))
		Expect(host.Run()).To(Succeed())

		Expect(rec.arrivals).To(HaveLen(1))
		Expect(rec.arrivals[0].phase.Is(chi.RspComp)).To(BeTrue())
		Expect(rec.arrivals[0].phase.RespErr).To(Equal(chi.RespErrNDERR))
		Expect(home.Stats().Unsupported).To(Equal(uint64(1)))
	})

	It("should count phases it does not expect", func() {
		ack := chi.Phase{TxnID: 99}
		ack.SetOpcode(chi.RspCompAck)
		sendAt(port, 10, line, ack)
		Expect(host.Run()).To(Succeed())

		Expect(home.Stats().Unexpected).To(Equal(uint64(1)))
		Expect(rec.arrivals).To(BeEmpty())
	})
})
