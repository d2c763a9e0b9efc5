package dex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"testing"

	"veridex/internal/finder"
	"veridex/internal/hiddenapi"
)

// builder assembles a minimal valid dex container for tests.
type builder struct {
	buf []byte
}

func (b *builder) off() uint32 { return uint32(len(b.buf)) }

func (b *builder) byte1(v byte)    { b.buf = append(b.buf, v) }
func (b *builder) raw(data []byte) { b.buf = append(b.buf, data...) }

func (b *builder) u16(v uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

func (b *builder) u32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *builder) uleb(v uint32) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b.buf = append(b.buf, c)
		if v == 0 {
			return
		}
	}
}

func (b *builder) align4() {
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *builder) patchU32(off, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:], v)
}

// buildScenarioDex encodes one class La/B; whose virtual method m()V loads
// the literal "secretField" and invokes Lplat/Hidden;->x()V twice.
func buildScenarioDex() []byte {
	b := &builder{buf: make([]byte, headerSize)}

	strs := []string{"La/B;", "Lplat/Hidden;", "V", "m", "secretField", "x"}
	strOffs := make([]uint32, len(strs))
	for i, s := range strs {
		strOffs[i] = b.off()
		b.uleb(uint32(len(s)))
		b.raw([]byte(s))
		b.byte1(0)
	}

	b.align4()
	stringIDsOff := b.off()
	for _, o := range strOffs {
		b.u32(o)
	}

	typeIDsOff := b.off()
	for _, si := range []uint32{0, 1, 2} { // La/B;, Lplat/Hidden;, V
		b.u32(si)
	}

	protoIDsOff := b.off()
	b.u32(2) // shorty "V"
	b.u32(2) // return type V
	b.u32(0) // no parameters

	methodIDsOff := b.off()
	b.u16(0) // class La/B;
	b.u16(0) // proto ()V
	b.u32(3) // name "m"
	b.u16(1) // class Lplat/Hidden;
	b.u16(0)
	b.u32(5) // name "x"

	b.align4()
	codeOff := b.off()
	b.u16(1) // registers_size
	b.u16(1) // ins_size
	b.u16(1) // outs_size
	b.u16(0) // tries_size
	b.u32(0) // debug_info_off
	insns := []uint16{
		0x001a, 0x0004, // const-string v0, "secretField"
		0x106e, 0x0001, 0x0001, // invoke-virtual {v1}, Lplat/Hidden;->x()V
		0x106e, 0x0001, 0x0001,
		0x000e, // return-void
	}
	b.u32(uint32(len(insns)))
	for _, u := range insns {
		b.u16(u)
	}

	classDataOff := b.off()
	b.uleb(0) // static fields
	b.uleb(0) // instance fields
	b.uleb(0) // direct methods
	b.uleb(1) // virtual methods
	b.uleb(0) // method_idx_diff -> method 0
	b.uleb(1) // access_flags
	b.uleb(codeOff)

	b.align4()
	classDefsOff := b.off()
	b.u32(0)          // class_idx La/B;
	b.u32(1)          // access_flags
	b.u32(1)          // superclass Lplat/Hidden;
	b.u32(0)          // interfaces_off
	b.u32(0xffffffff) // source_file_idx
	b.u32(0)          // annotations_off
	b.u32(classDataOff)
	b.u32(0) // static_values_off

	copy(b.buf, "dex\n035\x00")
	b.patchU32(0x20, b.off()) // file_size
	b.patchU32(0x24, headerSize)
	b.patchU32(0x28, endianTag)
	b.patchU32(0x38, uint32(len(strs)))
	b.patchU32(0x3c, stringIDsOff)
	b.patchU32(0x40, 3)
	b.patchU32(0x44, typeIDsOff)
	b.patchU32(0x48, 1)
	b.patchU32(0x4c, protoIDsOff)
	b.patchU32(0x58, 2)
	b.patchU32(0x5c, methodIDsOff)
	b.patchU32(0x60, 1)
	b.patchU32(0x64, classDefsOff)
	return b.buf
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("short")); !errors.Is(err, ErrNotDex) {
		t.Errorf("short input: %v", err)
	}

	junk := make([]byte, headerSize)
	copy(junk, "ELF\x7f")
	if _, err := Parse(junk); !errors.Is(err, ErrNotDex) {
		t.Errorf("bad magic: %v", err)
	}

	be := buildScenarioDex()
	binary.LittleEndian.PutUint32(be[0x28:], 0x78563412)
	if _, err := Parse(be); !errors.Is(err, ErrBigEndian) {
		t.Errorf("big endian: %v", err)
	}
}

func TestParseRejectsTruncatedTable(t *testing.T) {
	data := buildScenarioDex()
	// Claim a string table far past the end of the file.
	binary.LittleEndian.PutUint32(data[0x38:], 1<<20)
	if _, err := Parse(data); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated table: %v", err)
	}
}

func TestTablesAndNames(t *testing.T) {
	f, err := Parse(buildScenarioDex())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.TypeTableSize() != 3 {
		t.Errorf("type table size = %d", f.TypeTableSize())
	}
	if got := f.TypeDescriptor(1); got != "Lplat/Hidden;" {
		t.Errorf("type 1 = %q", got)
	}
	if got := f.StringAt(4); got != "secretField" {
		t.Errorf("string 4 = %q", got)
	}
	if got := f.MethodName(0); got != "La/B;->m()V" {
		t.Errorf("method 0 = %q", got)
	}
	if got := f.MethodName(1); got != "Lplat/Hidden;->x()V" {
		t.Errorf("method 1 = %q", got)
	}
}

func TestClassesAndInstructionStream(t *testing.T) {
	f, err := Parse(buildScenarioDex())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	classes := f.Classes(nil)
	if len(classes) != 1 || classes[0].Descriptor() != "La/B;" {
		t.Fatalf("classes = %+v", classes)
	}
	methods := classes[0].Methods()
	if len(methods) != 1 {
		t.Fatalf("methods = %+v", methods)
	}

	m := methods[0]
	if m.BoundPC() != 9 {
		t.Errorf("bound = %d", m.BoundPC())
	}
	if ref := m.Reference(); ref.String() != "La/B;->m()V" {
		t.Errorf("reference = %q", ref.String())
	}

	insts := m.Instructions()
	var kinds []finder.Kind
	var pcs []int
	for _, ins := range insts {
		kinds = append(kinds, ins.Kind)
		pcs = append(pcs, ins.PC)
	}
	wantKinds := []finder.Kind{finder.KindString, finder.KindInvoke, finder.KindInvoke, finder.KindOther}
	wantPCs := []int{0, 2, 5, 8}
	if !slices.Equal(kinds, wantKinds) || !slices.Equal(pcs, wantPCs) {
		t.Errorf("kinds = %v pcs = %v", kinds, pcs)
	}
	if insts[0].Index != 4 || insts[1].Index != 1 {
		t.Errorf("indices = %+v", insts)
	}
}

func TestClassFilterApplied(t *testing.T) {
	f, err := Parse(buildScenarioDex())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := f.Classes(func(desc string) bool { return strings.HasPrefix(desc, "Lcom/") })
	if len(got) != 0 {
		t.Errorf("filter ignored: %+v", got)
	}
}

func TestDefinedNames(t *testing.T) {
	f, err := Parse(buildScenarioDex())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	names := f.DefinedNames()
	if !slices.Contains(names, "La/B;->m()V") {
		t.Errorf("defined names = %v", names)
	}
}

// TestEndToEndReport runs the full pipeline over the scenario dex: parse,
// policy load, scan, dump with reflection.
func TestEndToEndReport(t *testing.T) {
	f, err := Parse(buildScenarioDex())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	policy, err := hiddenapi.ParsePolicy(strings.NewReader(
		"Lplat/Hidden;->x()V,unsupported\n"+
			"La/B;->secretField:I,blocked\n"), nil)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	for _, name := range f.DefinedNames() {
		policy.MarkAppDefined(name)
	}

	eng := finder.New(policy)
	eng.Run([]finder.Unit{f}, finder.PrefixFilter(nil))

	var buf bytes.Buffer
	var stats finder.Stats
	eng.Dump(&buf, &stats, true)

	want := "#1: Linking unsupported Lplat/Hidden;->x()V use(s):\n" +
		"       La/B;->m()V (2 occurrences)\n" +
		"\n" +
		"#2: Reflection blocked La/B;->secretField potential use(s):\n" +
		"       La/B;->m()V\n" +
		"\n"
	if got := buf.String(); got != want {
		t.Errorf("report:\n%s\nwant:\n%s", got, want)
	}
	if stats.LinkingCount != 1 || stats.ReflectionCount != 1 || stats.Count != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
