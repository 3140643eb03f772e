package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

type amqpType uint8

// type codes used by the performative codec
const (
	typeCodeDescribed amqpType = 0x00
	typeCodeNull      amqpType = 0x40

	typeCodeBool      amqpType = 0x56
	typeCodeBoolTrue  amqpType = 0x41
	typeCodeBoolFalse amqpType = 0x42

	typeCodeUbyte      amqpType = 0x50
	typeCodeUshort     amqpType = 0x60
	typeCodeUint       amqpType = 0x70
	typeCodeSmallUint  amqpType = 0x52
	typeCodeUint0      amqpType = 0x43
	typeCodeUlong      amqpType = 0x80
	typeCodeSmallUlong amqpType = 0x53
	typeCodeUlong0     amqpType = 0x44

	typeCodeByte      amqpType = 0x51
	typeCodeShort     amqpType = 0x61
	typeCodeInt       amqpType = 0x71
	typeCodeSmallint  amqpType = 0x54
	typeCodeLong      amqpType = 0x81
	typeCodeSmalllong amqpType = 0x55

	typeCodeFloat      amqpType = 0x72
	typeCodeDouble     amqpType = 0x82
	typeCodeDecimal32  amqpType = 0x74
	typeCodeDecimal64  amqpType = 0x84
	typeCodeDecimal128 amqpType = 0x94

	typeCodeChar      amqpType = 0x73
	typeCodeTimestamp amqpType = 0x83
	typeCodeUUID      amqpType = 0x98

	typeCodeVbin8  amqpType = 0xa0
	typeCodeVbin32 amqpType = 0xb0
	typeCodeStr8   amqpType = 0xa1
	typeCodeStr32  amqpType = 0xb1
	typeCodeSym8   amqpType = 0xa3
	typeCodeSym32  amqpType = 0xb3

	typeCodeList0   amqpType = 0x45
	typeCodeList8   amqpType = 0xc0
	typeCodeList32  amqpType = 0xd0
	typeCodeMap8    amqpType = 0xc1
	typeCodeMap32   amqpType = 0xd1
	typeCodeArray8  amqpType = 0xe0
	typeCodeArray32 amqpType = 0xf0
)

// encode helpers
func writeNull(b *bytes.Buffer) { b.WriteByte(byte(typeCodeNull)) }

func writeBool(b *bytes.Buffer, v bool) {
	if v {
		b.WriteByte(byte(typeCodeBoolTrue))
		return
	}
	b.WriteByte(byte(typeCodeBoolFalse))
}

func writeUbyte(b *bytes.Buffer, v uint8) {
	b.WriteByte(byte(typeCodeUbyte))
	b.WriteByte(v)
}

func writeUshort(b *bytes.Buffer, v uint16) {
	b.WriteByte(byte(typeCodeUshort))
	b.Write(binary.BigEndian.AppendUint16(nil, v))
}

func writeUint(b *bytes.Buffer, v uint32) {
	switch {
	case v == 0:
		b.WriteByte(byte(typeCodeUint0))
	case v < 256:
		b.WriteByte(byte(typeCodeSmallUint))
		b.WriteByte(byte(v))
	default:
		b.WriteByte(byte(typeCodeUint))
		b.Write(binary.BigEndian.AppendUint32(nil, v))
	}
}

func writeUlong(b *bytes.Buffer, v uint64) {
	switch {
	case v == 0:
		b.WriteByte(byte(typeCodeUlong0))
	case v < 256:
		b.WriteByte(byte(typeCodeSmallUlong))
		b.WriteByte(byte(v))
	default:
		b.WriteByte(byte(typeCodeUlong))
		b.Write(binary.BigEndian.AppendUint64(nil, v))
	}
}

func writeInt(b *bytes.Buffer, v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		b.WriteByte(byte(typeCodeSmallint))
		b.WriteByte(byte(int8(v)))
		return
	}
	b.WriteByte(byte(typeCodeInt))
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func writeLong(b *bytes.Buffer, v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		b.WriteByte(byte(typeCodeSmalllong))
		b.WriteByte(byte(int8(v)))
		return
	}
	b.WriteByte(byte(typeCodeLong))
	b.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
}

func writeTimestamp(b *bytes.Buffer, t time.Time) {
	b.WriteByte(byte(typeCodeTimestamp))
	b.Write(binary.BigEndian.AppendUint64(nil, uint64(t.UnixMilli())))
}

// writeVariable writes a variable-width value using the 1-byte length form
// when it fits.
func writeVariable(b *bytes.Buffer, small, large amqpType, v []byte) {
	if len(v) < 256 {
		b.WriteByte(byte(small))
		b.WriteByte(byte(len(v)))
	} else {
		b.WriteByte(byte(large))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(v))))
	}
	b.Write(v)
}

func writeBinary(b *bytes.Buffer, v []byte) { writeVariable(b, typeCodeVbin8, typeCodeVbin32, v) }

func writeString(b *bytes.Buffer, s string) {
	writeVariable(b, typeCodeStr8, typeCodeStr32, []byte(s))
}

func writeSymbol(b *bytes.Buffer, s Symbol) {
	writeVariable(b, typeCodeSym8, typeCodeSym32, []byte(s))
}

// writeSymbolArray writes syms as an AMQP array of symbols.
func writeSymbolArray(b *bytes.Buffer, syms []Symbol) {
	long := false
	for _, s := range syms {
		if len(s) > 255 {
			long = true
			break
		}
	}
	var elems bytes.Buffer
	ctor := typeCodeSym8
	if long {
		ctor = typeCodeSym32
	}
	for _, s := range syms {
		if long {
			elems.Write(binary.BigEndian.AppendUint32(nil, uint32(len(s))))
		} else {
			elems.WriteByte(byte(len(s)))
		}
		elems.WriteString(string(s))
	}
	// size covers count, constructor and elements
	if size := 1 + 1 + elems.Len(); size <= 255 && len(syms) <= 255 {
		b.WriteByte(byte(typeCodeArray8))
		b.WriteByte(byte(size))
		b.WriteByte(byte(len(syms)))
	} else {
		b.WriteByte(byte(typeCodeArray32))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(4+1+elems.Len())))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(syms))))
	}
	b.WriteByte(byte(ctor))
	b.Write(elems.Bytes())
}

// writeListBody writes a list header for count already-encoded elements.
func writeListBody(b *bytes.Buffer, count int, body []byte) {
	switch {
	case count == 0:
		b.WriteByte(byte(typeCodeList0))
	case len(body)+1 <= 255 && count <= 255:
		b.WriteByte(byte(typeCodeList8))
		b.WriteByte(byte(len(body) + 1))
		b.WriteByte(byte(count))
		b.Write(body)
	default:
		b.WriteByte(byte(typeCodeList32))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(body)+4)))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(count)))
		b.Write(body)
	}
}

// writeMapBody writes a map header for pairs already-encoded key/value pairs.
func writeMapBody(b *bytes.Buffer, pairs int, body []byte) {
	count := pairs * 2
	if len(body)+1 <= 255 && count <= 255 {
		b.WriteByte(byte(typeCodeMap8))
		b.WriteByte(byte(len(body) + 1))
		b.WriteByte(byte(count))
	} else {
		b.WriteByte(byte(typeCodeMap32))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(body)+4)))
		b.Write(binary.BigEndian.AppendUint32(nil, uint32(count)))
	}
	b.Write(body)
}

func writeSymbolMap(b *bytes.Buffer, m map[Symbol]any) error {
	var body bytes.Buffer
	for k, v := range m {
		writeSymbol(&body, k)
		if err := writeAny(&body, v); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	writeMapBody(b, len(m), body.Bytes())
	return nil
}

// writeAny encodes the Go value v using the narrowest AMQP type.
func writeAny(b *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case nil:
		writeNull(b)
	case bool:
		writeBool(b, v)
	case uint8:
		writeUbyte(b, v)
	case uint16:
		writeUshort(b, v)
	case uint32:
		writeUint(b, v)
	case uint64:
		writeUlong(b, v)
	case uint:
		writeUlong(b, uint64(v))
	case int8:
		b.WriteByte(byte(typeCodeByte))
		b.WriteByte(byte(v))
	case int16:
		b.WriteByte(byte(typeCodeShort))
		b.Write(binary.BigEndian.AppendUint16(nil, uint16(v)))
	case int32:
		writeInt(b, v)
	case int64:
		writeLong(b, v)
	case int:
		writeLong(b, int64(v))
	case float32:
		b.WriteByte(byte(typeCodeFloat))
		b.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
	case float64:
		b.WriteByte(byte(typeCodeDouble))
		b.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
	case time.Time:
		writeTimestamp(b, v)
	case UUID:
		b.WriteByte(byte(typeCodeUUID))
		b.Write(v[:])
	case string:
		writeString(b, v)
	case Symbol:
		writeSymbol(b, v)
	case []byte:
		writeBinary(b, v)
	case []Symbol:
		writeSymbolArray(b, v)
	case map[Symbol]any:
		return writeSymbolMap(b, v)
	case map[string]any:
		var body bytes.Buffer
		for k, val := range v {
			writeString(&body, k)
			if err := writeAny(&body, val); err != nil {
				return fmt.Errorf("map key %q: %w", k, err)
			}
		}
		writeMapBody(b, len(v), body.Bytes())
	case []any:
		var body bytes.Buffer
		for _, e := range v {
			if err := writeAny(&body, e); err != nil {
				return err
			}
		}
		writeListBody(b, len(v), body.Bytes())
	case *Described:
		b.WriteByte(byte(typeCodeDescribed))
		if err := writeAny(b, v.Descriptor); err != nil {
			return err
		}
		return writeAny(b, v.Value)
	case marshaler:
		return v.marshal(b)
	default:
		return fmt.Errorf("amqp: cannot encode %T", v)
	}
	return nil
}

type marshaler interface {
	marshal(b *bytes.Buffer) error
}

// field encodes one composite field. A nil field is written as null and
// trailing nil fields are omitted.
type field func(b *bytes.Buffer) error

// writeComposite writes a described list with descriptor code.
func writeComposite(b *bytes.Buffer, code uint64, fields ...field) error {
	n := len(fields)
	for n > 0 && fields[n-1] == nil {
		n--
	}
	var body bytes.Buffer
	for _, f := range fields[:n] {
		if f == nil {
			writeNull(&body)
			continue
		}
		if err := f(&body); err != nil {
			return err
		}
	}
	b.WriteByte(byte(typeCodeDescribed))
	writeUlong(b, code)
	writeListBody(b, n, body.Bytes())
	return nil
}

func uintField(v uint32) field {
	return func(b *bytes.Buffer) error { writeUint(b, v); return nil }
}

func optUintField(v *uint32) field {
	if v == nil {
		return nil
	}
	return uintField(*v)
}

func ulongField(v uint64) field {
	return func(b *bytes.Buffer) error { writeUlong(b, v); return nil }
}

func ubyteField(v uint8) field {
	return func(b *bytes.Buffer) error { writeUbyte(b, v); return nil }
}

func ushortField(v uint16) field {
	return func(b *bytes.Buffer) error { writeUshort(b, v); return nil }
}

func boolField(v bool) field {
	return func(b *bytes.Buffer) error { writeBool(b, v); return nil }
}

// optBoolField omits false, the default of every boolean field we write.
func optBoolField(v bool) field {
	if !v {
		return nil
	}
	return boolField(v)
}

func stringField(s string) field {
	return func(b *bytes.Buffer) error { writeString(b, s); return nil }
}

func optStringField(s string) field {
	if s == "" {
		return nil
	}
	return stringField(s)
}

func binaryField(v []byte) field {
	return func(b *bytes.Buffer) error { writeBinary(b, v); return nil }
}

func optBinaryField(v []byte) field {
	if len(v) == 0 {
		return nil
	}
	return binaryField(v)
}

func symbolField(s Symbol) field {
	return func(b *bytes.Buffer) error { writeSymbol(b, s); return nil }
}

func optSymbolField(s Symbol) field {
	if s == "" {
		return nil
	}
	return symbolField(s)
}

func symbolArrayField(syms []Symbol) field {
	if len(syms) == 0 {
		return nil
	}
	return func(b *bytes.Buffer) error { writeSymbolArray(b, syms); return nil }
}

func mapField(m map[Symbol]any) field {
	if len(m) == 0 {
		return nil
	}
	return func(b *bytes.Buffer) error { return writeSymbolMap(b, m) }
}

func millisField(d time.Duration) field {
	if d <= 0 {
		return nil
	}
	return uintField(uint32(d / time.Millisecond))
}
