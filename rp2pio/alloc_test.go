package rp2pio

import (
	"context"
	"testing"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
	"rp2pio-go/rp2pio/piosim"
)

// fillProgram builds n distinct MOV-class instructions so two programs of
// different tag never hash alike and nothing gets JMP-patched.
func fillProgram(tag byte, n int) []byte {
	p := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		p[2*i] = byte(i) ^ tag
		p[2*i+1] = 0xa0
	}
	return p
}

func newTestAllocator() (*Allocator, *piosim.Backend) {
	sim := piosim.New(piosim.Config{})
	return NewAllocator(sim), sim
}

func TestConstructBringsUpSlot(t *testing.T) {
	a, sim := newTestAllocator()
	cfg := DefaultConfig(fillProgram(1, 4), 1_000_000)
	cfg.Out = PinGroup{Base: 3, Count: 2}
	cfg.In = PinGroup{Base: 10, Count: 1}

	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer sm.Deinit()

	blk := sim.SimBlock(0)
	if !blk.Enabled(0) {
		t.Fatal("slot not enabled after construct")
	}
	sc := blk.SlotConfig(0)
	if sc.WrapTarget != 0 || sc.Wrap != 3 {
		t.Fatalf("wrap = [%d, %d], want [0, 3]", sc.WrapTarget, sc.Wrap)
	}
	if sc.OutBase != 3 || sc.OutCount != 2 || sc.InBase != 10 || sc.InCount != 1 {
		t.Fatalf("pin config = %+v", sc)
	}
	if got := blk.PinDirs(); got != 0b11<<3 {
		t.Fatalf("pin dirs = %#b, want out pins 3..4 driven", got)
	}
	log := blk.ExecLog(0)
	if len(log) == 0 || log[0] != hw.EncodeJmp(0) {
		t.Fatalf("exec log %#v, want leading jmp to offset 0", log)
	}
	if f, _ := sm.Frequency(); f != 1_000_000 {
		t.Fatalf("Frequency = %d, want 1000000", f)
	}
}

func TestConstructRunsInitSequence(t *testing.T) {
	a, sim := newTestAllocator()
	cfg := DefaultConfig(fillProgram(1, 2), 1_000_000)
	cfg.Set = PinGroup{Base: 0, Count: 1}
	cfg.Init = []byte{0x81, 0xe0} // set pindirs, 1

	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer sm.Deinit()

	log := sim.SimBlock(0).ExecLog(0)
	if len(log) != 2 || log[1] != 0xe081 {
		t.Fatalf("exec log %#v, want jmp then init instruction", log)
	}
}

func TestConstructValidation(t *testing.T) {
	a, _ := newTestAllocator()
	base := func() Config {
		return DefaultConfig(fillProgram(1, 2), 1_000_000)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty program", func(c *Config) { c.Program = nil }},
		{"odd program", func(c *Config) { c.Program = make([]byte, 3) }},
		{"oversize program", func(c *Config) { c.Program = fillProgram(1, 33) }},
		{"odd init", func(c *Config) { c.Init = []byte{0x00} }},
		{"zero frequency", func(c *Config) { c.Frequency = 0 }},
		{"out count zero", func(c *Config) { c.Out = PinGroup{Base: 0, Count: 0} }},
		{"out count 33", func(c *Config) { c.Out = PinGroup{Base: 0, Count: 33} }},
		{"set count 6", func(c *Config) { c.Set = PinGroup{Base: 0, Count: 6} }},
		{"sideset count 6", func(c *Config) { c.Sideset = PinGroup{Base: 0, Count: 6} }},
		{"count without base", func(c *Config) { c.Out = PinGroup{Base: NoPin, Count: 2} }},
		{"pull threshold 0", func(c *Config) { c.PullThreshold = 0 }},
		{"pull threshold 33", func(c *Config) { c.PullThreshold = 33 }},
		{"push threshold 0", func(c *Config) { c.PushThreshold = 0 }},
		{"push threshold 33", func(c *Config) { c.PushThreshold = 33 }},
		{"block out of range", func(c *Config) { c.ColocateBlock = 2 }},
		{"two co-location hints", func(c *Config) {
			c.ColocateBlock = 0
			c.ColocateWith = &StateMachine{}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			sm, err := a.Construct(cfg)
			if errcode.Of(err) != errcode.InvalidParams {
				t.Fatalf("err = %v, want invalid_params", err)
			}
			if sm != nil {
				t.Fatal("got a handle alongside the error")
			}
		})
	}
	if got := a.FreeSlots(); got != 8 {
		t.Fatalf("FreeSlots = %d after rejected constructs, want 8", got)
	}
}

func TestConstructBoundaryParamsAccepted(t *testing.T) {
	a, _ := newTestAllocator()
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"minimum program", func(c *Config) { c.Program = fillProgram(1, 1) }},
		{"full-memory program", func(c *Config) { c.Program = fillProgram(1, 32) }},
		{"threshold 1", func(c *Config) { c.PullThreshold, c.PushThreshold = 1, 1 }},
		{"sideset count 5", func(c *Config) { c.Sideset = PinGroup{Base: 0, Count: 5} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(fillProgram(1, 2), 1_000_000)
			tc.mutate(&cfg)
			sm, err := a.Construct(cfg)
			if err != nil {
				t.Fatalf("Construct: %v", err)
			}
			sm.Deinit()
		})
	}
}

func TestDeinitIsIdempotentAndReleases(t *testing.T) {
	a, sim := newTestAllocator()
	cfg := DefaultConfig(fillProgram(1, 8), 1_000_000)
	cfg.Out = PinGroup{Base: 0, Count: 4}

	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	sm.Deinit()
	sm.Deinit()
	if err := sm.Close(); err != nil {
		t.Fatalf("Close after Deinit: %v", err)
	}

	if sim.SimBlock(0).Enabled(0) {
		t.Fatal("slot still enabled after deinit")
	}
	if got := a.FreeSlots(); got != 8 {
		t.Fatalf("FreeSlots = %d, want 8", got)
	}

	// Everything the handle held is claimable again.
	sm2, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("Construct after deinit: %v", err)
	}
	sm2.Deinit()
}

func TestOperationsAfterDeinit(t *testing.T) {
	a, _ := newTestAllocator()
	sm, err := a.Construct(DefaultConfig(fillProgram(1, 2), 1_000_000))
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	sm.Deinit()

	if _, err := sm.Frequency(); errcode.Of(err) != errcode.Deinited {
		t.Fatalf("Frequency: %v, want deinited", err)
	}
	if _, err := sm.BlockIndex(); errcode.Of(err) != errcode.Deinited {
		t.Fatalf("BlockIndex: %v, want deinited", err)
	}
	if err := sm.Write(context.Background(), []byte{1}, 0, 1); errcode.Of(err) != errcode.Deinited {
		t.Fatalf("Write: %v, want deinited", err)
	}
	if err := sm.ReadInto(context.Background(), make([]byte, 1), 0, 1); errcode.Of(err) != errcode.Deinited {
		t.Fatalf("ReadInto: %v, want deinited", err)
	}
}

func TestExclusivePinConflicts(t *testing.T) {
	a, _ := newTestAllocator()
	excl := DefaultConfig(fillProgram(1, 2), 1_000_000)
	excl.Out = PinGroup{Base: 5, Count: 3}

	sm, err := a.Construct(excl)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer sm.Deinit()

	overlap := DefaultConfig(fillProgram(2, 2), 1_000_000)
	overlap.In = PinGroup{Base: 7, Count: 1}
	if _, err := a.Construct(overlap); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("overlapping exclusive claim: %v, want pin_in_use", err)
	}

	overlap.ExclusivePinUse = false
	if _, err := a.Construct(overlap); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("shared claim over exclusive pin: %v, want pin_in_use", err)
	}

	disjoint := DefaultConfig(fillProgram(3, 2), 1_000_000)
	disjoint.Out = PinGroup{Base: 20, Count: 2}
	sm2, err := a.Construct(disjoint)
	if err != nil {
		t.Fatalf("disjoint pins: %v", err)
	}
	sm2.Deinit()
}

func TestSharedPinClaims(t *testing.T) {
	a, _ := newTestAllocator()
	mk := func(tag byte) Config {
		cfg := DefaultConfig(fillProgram(tag, 2), 1_000_000)
		cfg.In = PinGroup{Base: 12, Count: 2}
		cfg.ExclusivePinUse = false
		return cfg
	}

	sm1, err := a.Construct(mk(1))
	if err != nil {
		t.Fatalf("first shared claim: %v", err)
	}
	sm2, err := a.Construct(mk(2))
	if err != nil {
		t.Fatalf("second shared claim: %v", err)
	}

	exclCfg := mk(3)
	exclCfg.ExclusivePinUse = true
	if _, err := a.Construct(exclCfg); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("exclusive over shared: %v, want pin_in_use", err)
	}

	// The pins free only once every sharer is gone.
	sm1.Deinit()
	if _, err := a.Construct(exclCfg); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("exclusive with one sharer left: %v, want pin_in_use", err)
	}
	sm2.Deinit()
	sm3, err := a.Construct(exclCfg)
	if err != nil {
		t.Fatalf("exclusive after all sharers gone: %v", err)
	}
	sm3.Deinit()
}

func TestAllSlotsInUse(t *testing.T) {
	a, _ := newTestAllocator()
	var handles []*StateMachine
	for i := byte(0); i < 8; i++ {
		sm, err := a.Construct(DefaultConfig(fillProgram(i, 2), 1_000_000))
		if err != nil {
			t.Fatalf("construct %d: %v", i, err)
		}
		handles = append(handles, sm)
	}
	if _, err := a.Construct(DefaultConfig(fillProgram(9, 2), 1_000_000)); errcode.Of(err) != errcode.NoFreeSlot {
		t.Fatalf("ninth construct: %v, want all_state_machines_in_use", err)
	}

	handles[3].Deinit()
	sm, err := a.Construct(DefaultConfig(fillProgram(9, 2), 1_000_000))
	if err != nil {
		t.Fatalf("construct after freeing a slot: %v", err)
	}
	sm.Deinit()
	for _, h := range handles {
		h.Deinit()
	}
}

func TestIdenticalProgramsShareMemory(t *testing.T) {
	a, sim := newTestAllocator()
	prog := fillProgram(1, 20)

	sm1, err := a.Construct(DefaultConfig(prog, 1_000_000))
	if err != nil {
		t.Fatalf("first construct: %v", err)
	}
	// 20 instructions twice cannot fit one block separately, so the
	// second construct only succeeds by sharing the loaded copy.
	sm2, err := a.Construct(DefaultConfig(prog, 2_000_000))
	if err != nil {
		t.Fatalf("second construct of same program: %v", err)
	}

	b1, _ := sm1.BlockIndex()
	b2, _ := sm2.BlockIndex()
	if b1 != b2 {
		t.Fatalf("copies landed on blocks %d and %d, want shared placement", b1, b2)
	}

	// The shared range survives the first deinit and frees after the last.
	sm1.Deinit()
	blk := sim.SimBlock(b2)
	instrs := decodeInstrs(prog)
	if got := blk.Instr(0); got != instrs[0] {
		t.Fatalf("program clobbered while still referenced: instr[0] = %#04x", got)
	}
	sm2.Deinit()
	if got := blk.Instr(0); got != hw.EncodeJmp(0) {
		t.Fatalf("instr[0] = %#04x after last deinit, want trap jmp", got)
	}
}

func TestDifferentProgramsSpillToSecondBlock(t *testing.T) {
	a, _ := newTestAllocator()
	sm1, err := a.Construct(DefaultConfig(fillProgram(1, 20), 1_000_000))
	if err != nil {
		t.Fatalf("first construct: %v", err)
	}
	defer sm1.Deinit()
	sm2, err := a.Construct(DefaultConfig(fillProgram(2, 20), 1_000_000))
	if err != nil {
		t.Fatalf("second construct: %v", err)
	}
	defer sm2.Deinit()

	b1, _ := sm1.BlockIndex()
	b2, _ := sm2.BlockIndex()
	if b1 == b2 {
		t.Fatalf("two 20-instruction programs both on block %d", b1)
	}
}

func TestColocateBlock(t *testing.T) {
	a, _ := newTestAllocator()
	cfg := DefaultConfig(fillProgram(1, 2), 1_000_000)
	cfg.ColocateBlock = 1

	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer sm.Deinit()
	if b, _ := sm.BlockIndex(); b != 1 {
		t.Fatalf("landed on block %d, want 1", b)
	}
}

func TestColocateWithIsHardRestriction(t *testing.T) {
	a, _ := newTestAllocator()
	anchorCfg := DefaultConfig(fillProgram(1, 2), 1_000_000)
	anchorCfg.ColocateBlock = 1
	anchor, err := a.Construct(anchorCfg)
	if err != nil {
		t.Fatalf("anchor construct: %v", err)
	}

	cfg := DefaultConfig(fillProgram(2, 2), 1_000_000)
	cfg.ColocateWith = anchor
	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("co-located construct: %v", err)
	}
	if b, _ := sm.BlockIndex(); b != 1 {
		t.Fatalf("landed on block %d, want anchor's block 1", b)
	}
	sm.Deinit()

	// A full anchor block fails the construct rather than falling back to
	// the other block.
	var fill []*StateMachine
	for i := byte(3); len(fill) < 3; i++ {
		c := DefaultConfig(fillProgram(i, 2), 1_000_000)
		c.ColocateBlock = 1
		f, err := a.Construct(c)
		if err != nil {
			t.Fatalf("fill construct: %v", err)
		}
		fill = append(fill, f)
	}
	if _, err := a.Construct(cfg); errcode.Of(err) != errcode.NoFreeSlot {
		t.Fatalf("construct on full anchor block: %v, want all_state_machines_in_use", err)
	}

	anchor.Deinit()
	if _, err := a.Construct(cfg); errcode.Of(err) != errcode.Deinited {
		t.Fatalf("co-locate with deinited handle: %v, want deinited", err)
	}
	for _, f := range fill {
		f.Deinit()
	}
}

func TestColocateWithForeignAllocator(t *testing.T) {
	a, _ := newTestAllocator()
	b, _ := newTestAllocator()
	other, err := b.Construct(DefaultConfig(fillProgram(1, 2), 1_000_000))
	if err != nil {
		t.Fatalf("foreign construct: %v", err)
	}
	defer other.Deinit()

	cfg := DefaultConfig(fillProgram(2, 2), 1_000_000)
	cfg.ColocateWith = other
	if _, err := a.Construct(cfg); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("cross-peripheral co-location: %v, want invalid_params", err)
	}
}

func TestFailedConstructRollsBackPins(t *testing.T) {
	a, _ := newTestAllocator()
	// Fill both blocks' instruction memory with distinct programs.
	full1, err := a.Construct(DefaultConfig(fillProgram(1, 32), 1_000_000))
	if err != nil {
		t.Fatalf("fill block: %v", err)
	}
	full2, err := a.Construct(DefaultConfig(fillProgram(2, 32), 1_000_000))
	if err != nil {
		t.Fatalf("fill block: %v", err)
	}
	defer full2.Deinit()

	cfg := DefaultConfig(fillProgram(3, 4), 1_000_000)
	cfg.Out = PinGroup{Base: 8, Count: 4}
	if _, err := a.Construct(cfg); errcode.Of(err) != errcode.NoProgramSpace {
		t.Fatalf("construct with full memory: %v, want no_program_space", err)
	}

	// The failed attempt must not have left a pin claim behind.
	full1.Deinit()
	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("retry after freeing memory: %v", err)
	}
	sm.Deinit()
}

func TestOverlappingGroupsClaimEachPinOnce(t *testing.T) {
	a, _ := newTestAllocator()
	cfg := DefaultConfig(fillProgram(1, 2), 1_000_000)
	cfg.Out = PinGroup{Base: 4, Count: 4}
	cfg.Sideset = PinGroup{Base: 6, Count: 2} // overlaps out pins 6..7

	sm, err := a.Construct(cfg)
	if err != nil {
		t.Fatalf("Construct with overlapping groups: %v", err)
	}
	sm.Deinit()

	// Deinit released the overlap exactly once; a fresh exclusive claim
	// over the whole range succeeds.
	sm, err = a.Construct(cfg)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	sm.Deinit()
}
