package suite_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/chiconform/chi"
	"github.com/sarchlab/chiconform/suite"
	"github.com/sarchlab/chiconform/txn"
)

const strideSuite = `
name: stride_probe
inject_at: 5
payload:
  address: 0xFFFFFFFFFF000
  size: 64
  address_stride: 0x1000
phase:
  opcode: READ_ONCE
steps:
  - expect: {opcode: COMP_DATA}
`

var _ = Describe("Registry", func() {
	var reg *suite.Registry

	BeforeEach(func() {
		var err error
		reg, err = suite.NewRegistry()
		Expect(err).NotTo(HaveOccurred())
	})

	It("should hold the built-in suites", func() {
		Expect(reg.Names()).To(ContainElements(
			"read_shared_unit",
			"read_unique_unit",
			"read_once_unit",
			"clean_unique_unit",
			"evict_unit",
			"write_unique_ptl_unit",
		))
	})

	It("should report unknown suites", func() {
		_, err := reg.Resolve("no_such_suite")
		Expect(err).To(MatchError(suite.ErrUnknownSuite))
	})

	It("should resolve a file path", func() {
		path := filepath.Join(GinkgoT().TempDir(), "probe.yaml")
		Expect(os.WriteFile(path, []byte(strideSuite), 0644)).To(Succeed())

		s, err := reg.Resolve(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Name()).To(Equal("stride_probe"))
		Expect(s.Source()).To(Equal(path))
		Expect(s.InjectAt()).To(Equal(uint64(5)))
	})

	It("should refuse to register a name twice", func() {
		s, err := reg.Resolve("read_shared_unit")
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Register(s)).To(HaveOccurred())
	})

	DescribeTable("should reject malformed suites",
		func(doc string) {
			_, err := reg.Parse([]byte(doc))
			Expect(err).To(HaveOccurred())
		},
		Entry("unknown top-level field", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
steps: [{expect: {resp: I}}]
retries: 3
`),
		Entry("missing steps", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
`),
		Entry("size outside the enumeration", `
name: bad
payload: {address: 0, size: 48}
phase: {opcode: READ_ONCE}
steps: [{expect: {resp: I}}]
`),
		Entry("unknown field in a step", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
steps: [{expect: {address: 0}}]
`),
		Entry("step with two kinds", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
steps: [{expect: {resp: I}, do: {action: stop}}]
`),
		Entry("unknown opcode", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_EVERYTHING}
steps: [{expect: {resp: I}}]
`),
		Entry("non-request phase opcode", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: COMP_DATA}
steps: [{expect: {resp: I}}]
`),
		Entry("unknown resp value", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
steps: [{expect: {resp: XX}}]
`),
		Entry("unknown action", `
name: bad
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
steps: [{do: {action: retry}}]
`),
		Entry("write data with a response opcode", `
name: bad
payload: {address: 0, size: 32}
phase: {opcode: WRITE_UNIQUE_PTL}
steps: [{do: {action: write_data, opcode: COMP_ACK}}]
`),
		Entry("empty document", ``),
	)

	It("should accept actions registered in code", func() {
		reg.RegisterAction("nothing", func(suite.DoSpec) (txn.Action, error) {
			return txn.Stop(), nil
		})

		_, err := reg.Parse([]byte(`
name: custom
payload: {address: 0, size: 64}
phase: {opcode: READ_ONCE}
steps: [{do: {action: nothing}}]
`))
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Suite", func() {
	var reg *suite.Registry

	BeforeEach(func() {
		var err error
		reg, err = suite.NewRegistry()
		Expect(err).NotTo(HaveOccurred())
	})

	It("should build the read shared chain", func() {
		s, err := reg.Resolve("read_shared_unit")
		Expect(err).NotTo(HaveOccurred())

		inst, err := s.Build(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.InjectAt).To(Equal(uint64(10)))
		Expect(inst.Payload.Address()).To(Equal(uint64(0x80000000)))
		Expect(inst.Payload.NS()).To(BeTrue())
		Expect(inst.Payload.Size()).To(Equal(chi.Size64))
		Expect(inst.Phase.Is(chi.ReqReadShared)).To(BeTrue())
		Expect(inst.Phase.ExpCompAck).To(BeTrue())

		var described []string
		for _, step := range inst.Steps {
			described = append(described, step.String())
		}
		Expect(described).To(Equal([]string{
			"EXPECT(channel=DAT)",
			"EXPECT(opcode=DAT.COMP_DATA)",
			"EXPECT(resp=UC)",
			"EXPECT(data_id=0)",
			"WAIT(channel=DAT)",
			"EXPECT(channel=DAT)",
			"EXPECT(opcode=DAT.COMP_DATA)",
			"EXPECT(resp=UC)",
			"EXPECT(data_id=2)",
			"DO(comp_ack)",
		}))
	})

	It("should build chains that verify the scenario", func() {
		s, _ := reg.Resolve("read_shared_unit")
		inst, err := s.Build(0)
		Expect(err).NotTo(HaveOccurred())

		t, err := txn.New(txn.ID{}, inst.Payload, inst.Phase, inst.Steps...)
		Expect(err).NotTo(HaveOccurred())
		t.Start(inst.InjectAt)

		beat := func(id uint8) chi.Phase {
			ph := chi.Phase{Resp: chi.RespUC, DataID: id}
			ph.SetOpcode(chi.DatCompData)
			return ph
		}

		_, err = t.Deliver(20, beat(0))
		Expect(err).NotTo(HaveOccurred())
		cmds, err := t.Deliver(21, beat(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(cmds).To(HaveLen(1))
		Expect(t.Outcome().Status).To(Equal(txn.StatusPassed))
	})

	It("should build independent instances per endpoint", func() {
		s, _ := reg.Resolve("read_shared_unit")
		a, _ := s.Build(0)
		b, _ := s.Build(1)

		Expect(&a.Steps[0]).NotTo(BeIdenticalTo(&b.Steps[0]))
		Expect(b.Endpoint).To(Equal(1))
		Expect(b.Payload.Address()).To(Equal(a.Payload.Address()))
	})

	It("should fail construction only for the affected endpoint", func() {
		s, err := reg.Parse([]byte(strideSuite))
		Expect(err).NotTo(HaveOccurred())

		inst, err := s.Build(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Payload.Address()).To(Equal(uint64(0xFFFFFFFFFF000)))

		_, err = s.Build(1)
		Expect(err).To(MatchError(suite.ErrConstructionFailed))

		var buildErr *suite.BuildError
		Expect(errors.As(err, &buildErr)).To(BeTrue())
		Expect(buildErr.Endpoint).To(Equal(1))
		Expect(buildErr.Suite).To(Equal("stride_probe"))
	})

	It("should combine wait fields into one step", func() {
		s, err := reg.Parse([]byte(`
name: combined_wait
payload: {address: 0x1000, size: 64}
phase: {opcode: READ_ONCE}
steps:
  - wait: {channel: DAT, data_id: 2}
  - do: {action: stop, continue: true}
  - expect: {resp: I}
`))
		Expect(err).NotTo(HaveOccurred())

		inst, err := s.Build(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Steps).To(HaveLen(3))
		Expect(inst.Steps[0].String()).To(Equal("WAIT(channel=DAT && data_id=2)"))
		Expect(inst.Steps[0].Kind).To(Equal(txn.KindWait))
		Expect(inst.InjectAt).To(Equal(uint64(suite.DefaultInjectAt)))
	})
})

var _ = Describe("StepSpec", func() {
	decode := func(doc string) (suite.Document, error) {
		var d suite.Document
		dec := yaml.NewDecoder(strings.NewReader(doc))
		dec.KnownFields(true)
		err := dec.Decode(&d)
		return d, err
	}

	It("should keep expect and wait fields under strict decoding", func() {
		d, err := decode(`
name: steps
steps:
  - expect: {channel: DAT, opcode: COMP_DATA}
  - wait:
      channel: DAT
  - do: {action: write_data, opcode: NON_COPY_BACK_WR_DATA, data_id: 2, continue: false}
`)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Steps).To(HaveLen(3))

		Expect(d.Steps[0].Expect).NotTo(BeNil())
		Expect(d.Steps[0].Expect.Content).To(HaveLen(4))
		Expect(d.Steps[0].Expect.Content[0].Value).To(Equal("channel"))
		Expect(d.Steps[0].Expect.Content[3].Value).To(Equal("COMP_DATA"))

		Expect(d.Steps[1].Wait).NotTo(BeNil())
		Expect(d.Steps[1].Wait.Content).To(HaveLen(2))

		do := d.Steps[2].Do
		Expect(do).NotTo(BeNil())
		Expect(do.Action).To(Equal("write_data"))
		Expect(do.Opcode).To(Equal("NON_COPY_BACK_WR_DATA"))
		Expect(do.DataID).To(Equal(uint8(2)))
		Expect(do.Continue).NotTo(BeNil())
		Expect(*do.Continue).To(BeFalse())
	})

	DescribeTable("should reject malformed steps",
		func(step string, msg string) {
			_, err := decode("name: steps\nsteps:\n  - " + step + "\n")
			Expect(err).To(MatchError(ContainSubstring(msg)))
		},
		Entry("unknown kind", "assert: {channel: DAT}", `unknown step kind "assert"`),
		Entry("two kinds", "{expect: {channel: DAT}, wait: {channel: DAT}}", "exactly one"),
		Entry("unknown do parameter", "do: {action: stop, after: 3}", `unknown do parameter "after"`),
		Entry("scalar step", "expect", "must be a mapping"),
	)

	It("should let every built-in suite load and run its chain", func() {
		reg, err := suite.NewRegistry()
		Expect(err).NotTo(HaveOccurred())

		s, ok := reg.Lookup("read_shared_unit")
		Expect(ok).To(BeTrue())
		inst, err := s.Build(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Steps[0].String()).To(Equal("EXPECT(channel=DAT)"))
	})
})
