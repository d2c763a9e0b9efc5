// Package dex reads dex containers: the string, type, proto, field, method
// and class tables, per-method code items, and the instruction stream. It
// provides the unit and resolver capabilities the finder engine scans over.
package dex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"veridex/internal/finder"
)

var (
	ErrNotDex    = errors.New("dex: not a dex file")
	ErrBigEndian = errors.New("dex: big-endian dex not supported")
	ErrTruncated = errors.New("dex: table extends past end of file")
)

const (
	headerSize = 0x70
	endianTag  = 0x12345678
)

type protoID struct {
	shorty     uint32
	returnType uint32
	paramsOff  uint32
}

type fieldID struct {
	class uint16
	typ   uint16
	name  uint32
}

type methodID struct {
	class uint16
	proto uint16
	name  uint32
}

type classDef struct {
	class        uint32
	accessFlags  uint32
	superclass   uint32
	classDataOff uint32
}

// File is one parsed dex unit. The whole container is held in memory; there
// is nothing to release after parsing.
type File struct {
	path string
	data []byte

	stringIDs []uint32
	typeIDs   []uint32
	protoIDs  []protoID
	fieldIDs  []fieldID
	methodIDs []methodID
	classDefs []classDef
}

// Open reads and parses a dex file from disk.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dex: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.path = path
	return f, nil
}

// Parse parses a dex container from memory.
func Parse(data []byte) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrNotDex
	}
	if string(data[0:4]) != "dex\n" || data[7] != 0 {
		return nil, ErrNotDex
	}
	switch binary.LittleEndian.Uint32(data[0x28:]) {
	case endianTag:
	case 0x78563412:
		return nil, ErrBigEndian
	default:
		return nil, ErrNotDex
	}

	f := &File{data: data}

	stringCount, stringOff := f.section(0x38)
	if err := f.checkSection("string_ids", stringOff, stringCount, 4); err != nil {
		return nil, err
	}
	f.stringIDs = make([]uint32, stringCount)
	for i := range f.stringIDs {
		f.stringIDs[i] = f.u32(stringOff + uint32(i)*4)
	}

	typeCount, typeOff := f.section(0x40)
	if err := f.checkSection("type_ids", typeOff, typeCount, 4); err != nil {
		return nil, err
	}
	f.typeIDs = make([]uint32, typeCount)
	for i := range f.typeIDs {
		f.typeIDs[i] = f.u32(typeOff + uint32(i)*4)
	}

	protoCount, protoOff := f.section(0x48)
	if err := f.checkSection("proto_ids", protoOff, protoCount, 12); err != nil {
		return nil, err
	}
	f.protoIDs = make([]protoID, protoCount)
	for i := range f.protoIDs {
		off := protoOff + uint32(i)*12
		f.protoIDs[i] = protoID{
			shorty:     f.u32(off),
			returnType: f.u32(off + 4),
			paramsOff:  f.u32(off + 8),
		}
	}

	fieldCount, fieldOff := f.section(0x50)
	if err := f.checkSection("field_ids", fieldOff, fieldCount, 8); err != nil {
		return nil, err
	}
	f.fieldIDs = make([]fieldID, fieldCount)
	for i := range f.fieldIDs {
		off := fieldOff + uint32(i)*8
		f.fieldIDs[i] = fieldID{
			class: f.u16(off),
			typ:   f.u16(off + 2),
			name:  f.u32(off + 4),
		}
	}

	methodCount, methodOff := f.section(0x58)
	if err := f.checkSection("method_ids", methodOff, methodCount, 8); err != nil {
		return nil, err
	}
	f.methodIDs = make([]methodID, methodCount)
	for i := range f.methodIDs {
		off := methodOff + uint32(i)*8
		f.methodIDs[i] = methodID{
			class: f.u16(off),
			proto: f.u16(off + 2),
			name:  f.u32(off + 4),
		}
	}

	classCount, classOff := f.section(0x60)
	if err := f.checkSection("class_defs", classOff, classCount, 32); err != nil {
		return nil, err
	}
	f.classDefs = make([]classDef, classCount)
	for i := range f.classDefs {
		off := classOff + uint32(i)*32
		f.classDefs[i] = classDef{
			class:        f.u32(off),
			accessFlags:  f.u32(off + 4),
			superclass:   f.u32(off + 8),
			classDataOff: f.u32(off + 24),
		}
	}

	return f, nil
}

// Path returns the file path this unit was opened from, if any.
func (f *File) Path() string { return f.path }

func (f *File) section(headerOff uint32) (count, off uint32) {
	return f.u32(headerOff), f.u32(headerOff + 4)
}

func (f *File) checkSection(name string, off, count, entrySize uint32) error {
	if count == 0 {
		return nil
	}
	end := uint64(off) + uint64(count)*uint64(entrySize)
	if end > uint64(len(f.data)) {
		return fmt.Errorf("%w: %s", ErrTruncated, name)
	}
	return nil
}

func (f *File) u16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(f.data[off:])
}

func (f *File) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(f.data[off:])
}

// uleb128 decodes a ULEB128 value, returning the value and the offset past
// it. Overruns decode what was available; callers bound their own reads.
func uleb128(data []byte, off int) (val uint32, next int) {
	var shift uint
	next = off
	for next < len(data) && shift < 35 {
		b := data[next]
		next++
		val |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return val, next
}

// StringAt returns the string-table entry at idx, or "" when idx or the
// entry's data is out of range.
func (f *File) StringAt(idx uint32) string {
	if int(idx) >= len(f.stringIDs) {
		return ""
	}
	off := int(f.stringIDs[idx])
	if off < 0 || off >= len(f.data) {
		return ""
	}
	// string_data_item: utf16 length as ULEB128, then MUTF-8 bytes,
	// NUL-terminated.
	_, start := uleb128(f.data, off)
	end := start
	for end < len(f.data) && f.data[end] != 0 {
		end++
	}
	return string(f.data[start:end])
}

// TypeTableSize returns the number of type_ids entries.
func (f *File) TypeTableSize() int { return len(f.typeIDs) }

// TypeDescriptor returns the descriptor string for a type_ids index.
func (f *File) TypeDescriptor(i int) string {
	if i < 0 || i >= len(f.typeIDs) {
		return ""
	}
	return f.StringAt(f.typeIDs[i])
}

// MethodName builds the canonical API name for a method_ids index:
// Lcls;->name(params)ret.
func (f *File) MethodName(idx uint32) string {
	if int(idx) >= len(f.methodIDs) {
		return ""
	}
	m := f.methodIDs[idx]
	return f.TypeDescriptor(int(m.class)) + "->" + f.StringAt(m.name) + f.protoSignature(m.proto)
}

// FieldName builds the canonical API name for a field_ids index:
// Lcls;->name:type.
func (f *File) FieldName(idx uint32) string {
	if int(idx) >= len(f.fieldIDs) {
		return ""
	}
	fd := f.fieldIDs[idx]
	return f.TypeDescriptor(int(fd.class)) + "->" + f.StringAt(fd.name) + ":" + f.TypeDescriptor(int(fd.typ))
}

func (f *File) protoSignature(idx uint16) string {
	if int(idx) >= len(f.protoIDs) {
		return "()"
	}
	p := f.protoIDs[idx]
	sig := "("
	if p.paramsOff != 0 && uint64(p.paramsOff)+4 <= uint64(len(f.data)) {
		// type_list: u32 size, then u16 type indices.
		size := f.u32(p.paramsOff)
		for i := uint32(0); i < size; i++ {
			entry := uint64(p.paramsOff) + 4 + uint64(i)*2
			if entry+2 > uint64(len(f.data)) {
				break
			}
			sig += f.TypeDescriptor(int(f.u16(uint32(entry))))
		}
	}
	return sig + ")" + f.TypeDescriptor(int(p.returnType))
}

// Classes returns the class table filtered by the predicate, each entry
// ready to enumerate methods. Instruction decode is deferred until a
// method's body is visited.
func (f *File) Classes(filter finder.ClassFilter) []finder.Class {
	var out []finder.Class
	for _, cd := range f.classDefs {
		desc := f.TypeDescriptor(int(cd.class))
		if filter != nil && !filter(desc) {
			continue
		}
		out = append(out, &classAccessor{file: f, def: cd, desc: desc})
	}
	return out
}

type classAccessor struct {
	file *File
	def  classDef
	desc string
}

func (c *classAccessor) Descriptor() string { return c.desc }

// Methods enumerates the class_data direct and virtual methods.
func (c *classAccessor) Methods() []finder.Method {
	if c.def.classDataOff == 0 {
		return nil
	}
	d := c.file.data
	off := int(c.def.classDataOff)
	if off >= len(d) {
		return nil
	}

	var staticFields, instanceFields, directMethods, virtualMethods uint32
	staticFields, off = uleb128(d, off)
	instanceFields, off = uleb128(d, off)
	directMethods, off = uleb128(d, off)
	virtualMethods, off = uleb128(d, off)

	// encoded_field: idx_diff, access_flags.
	for i := uint32(0); i < staticFields+instanceFields; i++ {
		_, off = uleb128(d, off)
		_, off = uleb128(d, off)
	}

	var out []finder.Method
	for _, count := range []uint32{directMethods, virtualMethods} {
		idx := uint32(0)
		for i := uint32(0); i < count && off < len(d); i++ {
			var diff, codeOff uint32
			diff, off = uleb128(d, off)
			_, off = uleb128(d, off) // access_flags
			codeOff, off = uleb128(d, off)
			idx += diff
			out = append(out, &methodAccessor{file: c.file, index: idx, codeOff: codeOff})
		}
	}
	return out
}

type methodAccessor struct {
	file    *File
	index   uint32
	codeOff uint32
}

func (m *methodAccessor) Reference() finder.CallSite {
	return finder.CallSite{Unit: m.file, MethodIndex: m.index}
}

// BoundPC is the code item's insns_size in 16-bit code units. Abstract and
// native methods have no code item and bound 0.
func (m *methodAccessor) BoundPC() int {
	if m.codeOff == 0 || uint64(m.codeOff)+16 > uint64(len(m.file.data)) {
		return 0
	}
	return int(m.file.u32(m.codeOff + 12))
}

// Instructions decodes the method's instruction stream. A stream truncated
// by the end of the file decodes up to the truncation point.
func (m *methodAccessor) Instructions() []finder.Inst {
	bound := m.BoundPC()
	if bound == 0 {
		return nil
	}
	start := int(m.codeOff) + 16
	avail := (len(m.file.data) - start) / 2
	if avail < 0 {
		return nil
	}
	if bound > avail {
		bound = avail
	}
	return decodeInsns(m.file.data[start:start+bound*2], bound)
}

// DefinedNames returns the canonical name of every method and field this
// unit defines, for attribution-source registration.
func (f *File) DefinedNames() []string {
	var out []string
	d := f.data
	for _, cd := range f.classDefs {
		if cd.classDataOff == 0 {
			continue
		}
		off := int(cd.classDataOff)
		if off >= len(d) {
			continue
		}
		var staticFields, instanceFields, directMethods, virtualMethods uint32
		staticFields, off = uleb128(d, off)
		instanceFields, off = uleb128(d, off)
		directMethods, off = uleb128(d, off)
		virtualMethods, off = uleb128(d, off)

		idx := uint32(0)
		for i := uint32(0); i < staticFields+instanceFields && off < len(d); i++ {
			if i == staticFields {
				idx = 0
			}
			var diff uint32
			diff, off = uleb128(d, off)
			_, off = uleb128(d, off)
			idx += diff
			out = append(out, f.FieldName(idx))
		}
		for _, count := range []uint32{directMethods, virtualMethods} {
			idx = 0
			for i := uint32(0); i < count && off < len(d); i++ {
				var diff uint32
				diff, off = uleb128(d, off)
				_, off = uleb128(d, off)
				_, off = uleb128(d, off)
				idx += diff
				out = append(out, f.MethodName(idx))
			}
		}
	}
	return out
}
