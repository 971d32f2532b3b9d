package core

import (
	"reflect"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/pkg/errors"
)

// AMF0 마커
const (
	amf0Number      = 0x00
	amf0Boolean     = 0x01
	amf0String      = 0x02
	amf0Object      = 0x03
	amf0Null        = 0x05
	amf0Undefined   = 0x06
	amf0ECMAArray   = 0x08
	amf0ObjectEnd   = 0x09
	amf0StrictArray = 0x0a
	amf0Date        = 0x0b
	amf0LongString  = 0x0c
)

// 커맨드와 메타데이터에 이보다 깊은 중첩은 없다.
const maxAMF0Depth = 16

var (
	ErrAMF0Short = errors.New("amf0: value truncated")
	ErrAMF0Count = errors.New("amf0: array count exceeds payload")
	ErrAMF0Depth = errors.New("amf0: nesting too deep")
)

// scanAMF0 는 값 하나의 구조를 훑어 크기만 잰다. flvio 는 배열 개수만큼 먼저
// 할당하므로, 개수가 남은 바이트보다 큰 값은 여기서 거른다.
func scanAMF0(b []byte, depth int) (int, error) {
	if depth > maxAMF0Depth {
		return 0, ErrAMF0Depth
	}
	if len(b) < 1 {
		return 0, ErrAMF0Short
	}
	marker := b[0]
	n := 1
	need := func(k int) error {
		if len(b)-n < k {
			return ErrAMF0Short
		}
		return nil
	}

	switch marker {
	case amf0Number:
		if err := need(8); err != nil {
			return 0, err
		}
		n += 8
	case amf0Boolean:
		if err := need(1); err != nil {
			return 0, err
		}
		n++
	case amf0String, amf0LongString:
		width := 2
		if marker == amf0LongString {
			width = 4
		}
		if err := need(width); err != nil {
			return 0, err
		}
		length := int(pio.U16BE(b[n:]))
		if marker == amf0LongString {
			length = int(pio.U32BE(b[n:]))
		}
		n += width
		if err := need(length); err != nil {
			return 0, err
		}
		n += length
	case amf0Object, amf0ECMAArray:
		if marker == amf0ECMAArray {
			if err := need(4); err != nil {
				return 0, err
			}
			if int64(pio.U32BE(b[n:])) > int64(len(b)-n-4) {
				return 0, ErrAMF0Count
			}
			n += 4
		}
		for {
			if err := need(2); err != nil {
				return 0, err
			}
			length := int(pio.U16BE(b[n:]))
			n += 2
			if length == 0 {
				break
			}
			if err := need(length); err != nil {
				return 0, err
			}
			n += length
			size, err := scanAMF0(b[n:], depth+1)
			if err != nil {
				return 0, err
			}
			n += size
		}
		if err := need(1); err != nil {
			return 0, err
		}
		n++
	case amf0Null, amf0Undefined:
	case amf0ObjectEnd:
		if err := need(3); err != nil {
			return 0, err
		}
		n += 3
	case amf0StrictArray:
		if err := need(4); err != nil {
			return 0, err
		}
		count := int64(pio.U32BE(b[n:]))
		n += 4
		// 값 하나는 최소 1바이트다.
		if count > int64(len(b)-n) {
			return 0, ErrAMF0Count
		}
		for i := int64(0); i < count; i++ {
			size, err := scanAMF0(b[n:], depth+1)
			if err != nil {
				return 0, err
			}
			n += size
		}
	case amf0Date:
		if err := need(10); err != nil {
			return 0, err
		}
		n += 10
	default:
		return 0, errors.Errorf("amf0: unsupported marker 0x%02x", marker)
	}
	return n, nil
}

// decodeAMF0 는 AMF0 값들이 연속으로 들어있는 페이로드를 끝까지 파싱한다.
func decodeAMF0(b []byte) ([]interface{}, error) {
	var vals []interface{}
	n := 0
	for n < len(b) {
		size, err := scanAMF0(b[n:], 0)
		if err != nil {
			return vals, errors.Wrapf(err, "amf0 value at offset %d", n)
		}
		v, _, err := flvio.ParseAMF0Val(b[n : n+size])
		if err != nil {
			return vals, errors.Wrapf(err, "amf0 value at offset %d", n)
		}
		n += size
		vals = append(vals, v)
	}
	return vals, nil
}

// encodeAMF0 는 args 를 순서대로 AMF0 로 직렬화한다.
func encodeAMF0(args ...interface{}) []byte {
	size := 0
	for _, arg := range args {
		size += flvio.LenAMF0Val(arg)
	}
	b := make([]byte, size)
	n := 0
	for _, arg := range args {
		n += flvio.FillAMF0Val(b[n:], arg)
	}
	return b[:n]
}

// amfObject 는 AMF0 object 와 ECMA array 를 모두 문자열 키 맵으로 다룬다.
func amfObject(v interface{}) (map[string]interface{}, bool) {
	if m, ok := v.(flvio.AMFMap); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	m := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}
	return m, true
}

func amfString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func amfNumber(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func amfBool(m map[string]interface{}, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
