// Copyright (C) 2023  The chunkfs-progs Authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package binstruct marshals and unmarshals fixed-layout on-disk
// structures.  Field offsets and sizes are spelled out in `bin` struct
// tags and cross-checked against the Go types, so that a structure
// definition that disagrees with the on-disk layout panics at first
// use instead of silently corrupting metadata.
//
// All integers are little-endian.
package binstruct

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

// End is a zero-sized marker field; its tag records the expected total
// size of the structure.
type End struct{}

var endType = reflect.TypeOf(End{})

type Marshaler = encoding.BinaryMarshaler

type Unmarshaler interface {
	UnmarshalBinary([]byte) (int, error)
}

type StaticSizer interface {
	BinaryStaticSize() int
}

type InvalidTypeError struct {
	Type reflect.Type
	Err  error
}

func (e *InvalidTypeError) Error() string { return fmt.Sprintf("%v: %v", e.Type, e.Err) }
func (e *InvalidTypeError) Unwrap() error { return e.Err }

func needNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %v bytes, only have %v", n, len(dat))
	}
	return nil
}

func intSize(kind reflect.Kind) int {
	switch kind {
	case reflect.Uint8, reflect.Int8:
		return 1
	case reflect.Uint16, reflect.Int16:
		return 2
	case reflect.Uint32, reflect.Int32:
		return 4
	case reflect.Uint64, reflect.Int64:
		return 8
	default:
		return 0
	}
}

// StaticSize returns the on-disk size of obj's type, panicking if the
// type is not statically sized.
func StaticSize(obj any) int {
	sz, err := staticSize(reflect.TypeOf(obj))
	if err != nil {
		panic(err)
	}
	return sz
}

var (
	staticSizerType = reflect.TypeOf((*StaticSizer)(nil)).Elem()
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

func staticSize(typ reflect.Type) (int, error) {
	if typ.Implements(staticSizerType) {
		return reflect.New(typ).Elem().Interface().(StaticSizer).BinaryStaticSize(), nil
	}
	if typ.Implements(marshalerType) || typ.Implements(unmarshalerType) {
		return 0, &InvalidTypeError{
			Type: typ,
			Err:  errors.New("implements binstruct.Marshaler or binstruct.Unmarshaler but not binstruct.StaticSizer"),
		}
	}
	if sz := intSize(typ.Kind()); sz > 0 {
		return sz, nil
	}
	switch typ.Kind() {
	case reflect.Ptr:
		return staticSize(typ.Elem())
	case reflect.Array:
		elemSize, err := staticSize(typ.Elem())
		if err != nil {
			return 0, err
		}
		return elemSize * typ.Len(), nil
	case reflect.Struct:
		return getStructHandler(typ).Size, nil
	default:
		return 0, &InvalidTypeError{
			Type: typ,
			Err:  fmt.Errorf("kind=%v is not a supported statically-sized kind", typ.Kind()),
		}
	}
}

func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		return mar.MarshalBinary()
	}
	val := reflect.ValueOf(obj)
	switch val.Kind() {
	case reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		buf := make([]byte, intSize(val.Kind()))
		var bits uint64
		if val.CanUint() {
			bits = val.Uint()
		} else {
			bits = uint64(val.Int())
		}
		switch len(buf) {
		case 1:
			buf[0] = byte(bits)
		case 2:
			binary.LittleEndian.PutUint16(buf, uint16(bits))
		case 4:
			binary.LittleEndian.PutUint32(buf, uint32(bits))
		case 8:
			binary.LittleEndian.PutUint64(buf, bits)
		}
		return buf, nil
	case reflect.Ptr:
		return Marshal(val.Elem().Interface())
	case reflect.Array:
		var ret []byte
		for i := 0; i < val.Len(); i++ {
			bs, err := Marshal(val.Index(i).Interface())
			ret = append(ret, bs...)
			if err != nil {
				return ret, err
			}
		}
		return ret, nil
	case reflect.Struct:
		return getStructHandler(val.Type()).Marshal(val)
	default:
		panic(&InvalidTypeError{
			Type: val.Type(),
			Err:  fmt.Errorf("does not implement binstruct.Marshaler and kind=%v is not a supported kind", val.Kind()),
		})
	}
}

func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if unmar, ok := dstPtr.(Unmarshaler); ok {
		return unmar.UnmarshalBinary(dat)
	}
	_dstPtr := reflect.ValueOf(dstPtr)
	if _dstPtr.Kind() != reflect.Ptr {
		panic(&InvalidTypeError{
			Type: _dstPtr.Type(),
			Err:  errors.New("not a pointer"),
		})
	}
	dst := _dstPtr.Elem()

	switch dst.Kind() {
	case reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		n := intSize(dst.Kind())
		if err := needNBytes(dat, n); err != nil {
			return 0, err
		}
		var bits uint64
		switch n {
		case 1:
			bits = uint64(dat[0])
		case 2:
			bits = uint64(binary.LittleEndian.Uint16(dat))
		case 4:
			bits = uint64(binary.LittleEndian.Uint32(dat))
		case 8:
			bits = binary.LittleEndian.Uint64(dat)
		}
		if dst.CanUint() {
			dst.SetUint(bits)
		} else {
			dst.SetInt(int64(bits))
		}
		return n, nil
	case reflect.Ptr:
		elemPtr := reflect.New(dst.Type().Elem())
		n, err := Unmarshal(dat, elemPtr.Interface())
		dst.Set(elemPtr.Convert(dst.Type()))
		return n, err
	case reflect.Array:
		var n int
		for i := 0; i < dst.Len(); i++ {
			_n, err := Unmarshal(dat[n:], dst.Index(i).Addr().Interface())
			n += _n
			if err != nil {
				return n, err
			}
		}
		return n, nil
	case reflect.Struct:
		return getStructHandler(dst.Type()).Unmarshal(dat, dst)
	default:
		panic(&InvalidTypeError{
			Type: _dstPtr.Type(),
			Err:  fmt.Errorf("does not implement binstruct.Unmarshaler and kind=%v is not a supported kind", dst.Kind()),
		})
	}
}
