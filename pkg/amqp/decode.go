package amqp

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Symbol is an AMQP symbolic string.
type Symbol string

// UUID is an AMQP uuid value.
type UUID [16]byte

// Described is an AMQP described value such as a filter or a composite this
// package has no dedicated type for.
type Described struct {
	Descriptor any
	Value      any
}

// decoder reads AMQP encoded values from buf.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) next(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrProtocolViolation, n, d.pos, len(d.buf)-d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readUint16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) readUint32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) readUint64() (uint64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readLength reads a 1 or 4 byte length prefix.
func (d *decoder) readLength(wide bool) (int, error) {
	if !wide {
		n, err := d.readByte()
		return int(n), err
	}
	n, err := d.readUint32()
	return int(n), err
}

func (d *decoder) value() (any, error) {
	code, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return d.valueOf(amqpType(code))
}

func (d *decoder) valueOf(code amqpType) (any, error) {
	switch code {
	case typeCodeDescribed:
		desc, err := d.value()
		if err != nil {
			return nil, err
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		return &Described{Descriptor: desc, Value: v}, nil
	case typeCodeNull:
		return nil, nil
	case typeCodeBoolTrue:
		return true, nil
	case typeCodeBoolFalse:
		return false, nil
	case typeCodeBool:
		b, err := d.readByte()
		return b != 0, err
	case typeCodeUbyte:
		return d.readByte()
	case typeCodeUshort:
		return d.readUint16()
	case typeCodeUint0:
		return uint32(0), nil
	case typeCodeSmallUint:
		b, err := d.readByte()
		return uint32(b), err
	case typeCodeUint:
		return d.readUint32()
	case typeCodeUlong0:
		return uint64(0), nil
	case typeCodeSmallUlong:
		b, err := d.readByte()
		return uint64(b), err
	case typeCodeUlong:
		return d.readUint64()
	case typeCodeByte:
		b, err := d.readByte()
		return int8(b), err
	case typeCodeShort:
		v, err := d.readUint16()
		return int16(v), err
	case typeCodeSmallint:
		b, err := d.readByte()
		return int32(int8(b)), err
	case typeCodeInt:
		v, err := d.readUint32()
		return int32(v), err
	case typeCodeSmalllong:
		b, err := d.readByte()
		return int64(int8(b)), err
	case typeCodeLong:
		v, err := d.readUint64()
		return int64(v), err
	case typeCodeFloat:
		v, err := d.readUint32()
		return math.Float32frombits(v), err
	case typeCodeDouble:
		v, err := d.readUint64()
		return math.Float64frombits(v), err
	case typeCodeDecimal32:
		return d.copyBytes(4)
	case typeCodeDecimal64:
		return d.copyBytes(8)
	case typeCodeDecimal128:
		return d.copyBytes(16)
	case typeCodeChar:
		v, err := d.readUint32()
		return rune(v), err
	case typeCodeTimestamp:
		v, err := d.readUint64()
		return time.UnixMilli(int64(v)).UTC(), err
	case typeCodeUUID:
		b, err := d.next(16)
		if err != nil {
			return nil, err
		}
		var u UUID
		copy(u[:], b)
		return u, nil
	case typeCodeVbin8, typeCodeVbin32:
		n, err := d.readLength(code == typeCodeVbin32)
		if err != nil {
			return nil, err
		}
		return d.copyBytes(n)
	case typeCodeStr8, typeCodeStr32:
		n, err := d.readLength(code == typeCodeStr32)
		if err != nil {
			return nil, err
		}
		b, err := d.next(n)
		return string(b), err
	case typeCodeSym8, typeCodeSym32:
		n, err := d.readLength(code == typeCodeSym32)
		if err != nil {
			return nil, err
		}
		b, err := d.next(n)
		return Symbol(b), err
	case typeCodeList0:
		return []any{}, nil
	case typeCodeList8, typeCodeList32:
		count, err := d.compoundHeader(code == typeCodeList32)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, min(count, 64))
		for i := 0; i < count; i++ {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case typeCodeMap8, typeCodeMap32:
		count, err := d.compoundHeader(code == typeCodeMap32)
		if err != nil {
			return nil, err
		}
		if count%2 != 0 {
			return nil, fmt.Errorf("%w: map with odd element count %d", ErrProtocolViolation, count)
		}
		m := make(map[any]any, min(count/2, 64))
		for i := 0; i < count; i += 2 {
			k, err := d.value()
			if err != nil {
				return nil, err
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			// binary keys are not comparable
			switch kv := k.(type) {
			case []byte:
				k = string(kv)
			case []any, map[any]any:
				return nil, fmt.Errorf("%w: map key of type %T", ErrProtocolViolation, k)
			}
			m[k] = v
		}
		return m, nil
	case typeCodeArray8, typeCodeArray32:
		count, err := d.compoundHeader(code == typeCodeArray32)
		if err != nil {
			return nil, err
		}
		ctor, err := d.readByte()
		if err != nil {
			return nil, err
		}
		var desc any
		if amqpType(ctor) == typeCodeDescribed {
			if desc, err = d.value(); err != nil {
				return nil, err
			}
			if ctor, err = d.readByte(); err != nil {
				return nil, err
			}
		}
		// elements take a byte at least, except the zero-width ones which
		// are bounded by the body size instead
		limit := len(d.buf) - d.pos
		if ctor >= 0x40 && ctor <= 0x45 {
			limit = len(d.buf)
		}
		if count > limit {
			return nil, fmt.Errorf("%w: array of %d elements exceeds %d bytes", ErrProtocolViolation, count, limit)
		}
		arr := make([]any, 0, min(count, 64))
		for i := 0; i < count; i++ {
			v, err := d.valueOf(amqpType(ctor))
			if err != nil {
				return nil, err
			}
			if desc != nil {
				v = &Described{Descriptor: desc, Value: v}
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("%w: unknown type code 0x%02x", ErrProtocolViolation, byte(code))
	}
}

// compoundHeader reads size and count of a list, map or array and returns
// the count.
func (d *decoder) compoundHeader(wide bool) (int, error) {
	size, err := d.readLength(wide)
	if err != nil {
		return 0, err
	}
	if d.pos+size > len(d.buf) {
		return 0, fmt.Errorf("%w: compound size %d past end of buffer", ErrProtocolViolation, size)
	}
	return d.readLength(wide)
}

func (d *decoder) copyBytes(n int) ([]byte, error) {
	b, err := d.next(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func toUint64(v any) (uint64, bool) {
	switch v := v.(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

// fieldList reads the fields of a decoded composite. The first conversion
// failure is kept in err and later reads return zero values.
type fieldList struct {
	name string
	vals []any
	err  error
}

func (l *fieldList) get(i int) any {
	if i < len(l.vals) {
		return l.vals[i]
	}
	return nil
}

func (l *fieldList) fail(i int, want string, got any) {
	if l.err == nil {
		l.err = fmt.Errorf("%w: %s field %d: want %s, got %T", ErrProtocolViolation, l.name, i, want, got)
	}
}

func (l *fieldList) required(i int) {
	if l.get(i) == nil && l.err == nil {
		l.err = fmt.Errorf("%w: %s field %d is mandatory", ErrProtocolViolation, l.name, i)
	}
}

func (l *fieldList) uint64Or(i int, def uint64) uint64 {
	v := l.get(i)
	if v == nil {
		return def
	}
	u, ok := toUint64(v)
	if !ok {
		l.fail(i, "unsigned integer", v)
		return def
	}
	return u
}

func (l *fieldList) uint32Ptr(i int) *uint32 {
	v := l.get(i)
	if v == nil {
		return nil
	}
	u, ok := toUint64(v)
	if !ok || u > math.MaxUint32 {
		l.fail(i, "uint", v)
		return nil
	}
	x := uint32(u)
	return &x
}

func (l *fieldList) uint32Or(i int, def uint32) uint32 {
	if p := l.uint32Ptr(i); p != nil {
		return *p
	}
	return def
}

func (l *fieldList) uint16Or(i int, def uint16) uint16 {
	u := l.uint64Or(i, uint64(def))
	if u > math.MaxUint16 {
		l.fail(i, "ushort", u)
		return def
	}
	return uint16(u)
}

func (l *fieldList) uint8Or(i int, def uint8) uint8 {
	u := l.uint64Or(i, uint64(def))
	if u > math.MaxUint8 {
		l.fail(i, "ubyte", u)
		return def
	}
	return uint8(u)
}

func (l *fieldList) boolean(i int) bool {
	v := l.get(i)
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		l.fail(i, "boolean", v)
	}
	return b
}

func (l *fieldList) str(i int) string {
	switch v := l.get(i).(type) {
	case nil:
		return ""
	case string:
		return v
	case Symbol:
		return string(v)
	default:
		l.fail(i, "string", v)
		return ""
	}
}

func (l *fieldList) symbol(i int) Symbol {
	return Symbol(l.str(i))
}

func (l *fieldList) binary(i int) []byte {
	switch v := l.get(i).(type) {
	case nil:
		return nil
	case []byte:
		return v
	default:
		l.fail(i, "binary", v)
		return nil
	}
}

// symbols accepts either a single symbol or an array of symbols, as the
// multiple="true" encoding rules allow both.
func (l *fieldList) symbols(i int) []Symbol {
	switch v := l.get(i).(type) {
	case nil:
		return nil
	case Symbol:
		return []Symbol{v}
	case []any:
		out := make([]Symbol, 0, len(v))
		for _, e := range v {
			s, ok := e.(Symbol)
			if !ok {
				l.fail(i, "symbol array", e)
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		l.fail(i, "symbol array", v)
		return nil
	}
}

func (l *fieldList) symbolMap(i int) map[Symbol]any {
	switch v := l.get(i).(type) {
	case nil:
		return nil
	case map[any]any:
		out := make(map[Symbol]any, len(v))
		for k, val := range v {
			switch k := k.(type) {
			case Symbol:
				out[k] = val
			case string:
				out[Symbol(k)] = val
			default:
				l.fail(i, "symbol-keyed map", k)
				return nil
			}
		}
		return out
	default:
		l.fail(i, "map", v)
		return nil
	}
}

func (l *fieldList) millis(i int) time.Duration {
	return time.Duration(l.uint32Or(i, 0)) * time.Millisecond
}

// described returns the described value at i with its numeric descriptor.
func (l *fieldList) described(i int) (uint64, any, bool) {
	v := l.get(i)
	if v == nil {
		return 0, nil, false
	}
	d, ok := v.(*Described)
	if !ok {
		l.fail(i, "described type", v)
		return 0, nil, false
	}
	code, ok := descriptorCode(d.Descriptor)
	if !ok {
		l.fail(i, "known descriptor", d.Descriptor)
		return 0, nil, false
	}
	return code, d.Value, true
}

// compositeFields unpacks a described list value.
func compositeFields(name string, v any) *fieldList {
	l := &fieldList{name: name}
	switch v := v.(type) {
	case []any:
		l.vals = v
	case nil:
	default:
		l.err = fmt.Errorf("%w: %s body is %T, want list", ErrProtocolViolation, name, v)
	}
	return l
}

// descriptorCode resolves numeric and symbolic descriptors.
func descriptorCode(desc any) (uint64, bool) {
	if code, ok := toUint64(desc); ok {
		return code, true
	}
	if s, ok := desc.(Symbol); ok {
		code, ok := descriptorNames[s]
		return code, ok
	}
	return 0, false
}
