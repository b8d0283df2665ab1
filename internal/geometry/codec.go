package geometry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	tagNil    byte = 'N'
	tagAffine byte = 'A'
	tagField  byte = 'F'
	tagChain  byte = 'C'
)

// ErrUnknownTransform is returned when encoding or decoding an unsupported
// transform type.
var ErrUnknownTransform = errors.New("geometry: unknown transform encoding")

// EncodeTransform serializes t into a compact little-endian binary form.
func EncodeTransform(t Transform) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTransform is the inverse of EncodeTransform. A nil transform decodes
// to nil.
func DecodeTransform(data []byte) (Transform, error) {
	r := bytes.NewReader(data)
	t, err := decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrUnknownTransform, r.Len())
	}
	return t, nil
}

func encode(w *bytes.Buffer, t Transform) error {
	le := binary.LittleEndian
	switch v := t.(type) {
	case nil:
		w.WriteByte(tagNil)
	case Affine:
		w.WriteByte(tagAffine)
		return binary.Write(w, le, [6]float64{v.A, v.B, v.TX, v.C, v.D, v.TY})
	case *Field:
		w.WriteByte(tagField)
		hdr := [5]float64{v.Region.X, v.Region.Y, v.Region.Width, v.Region.Height, v.Step}
		if err := binary.Write(w, le, hdr); err != nil {
			return err
		}
		if err := binary.Write(w, le, [2]uint32{uint32(v.Width), uint32(v.Height)}); err != nil {
			return err
		}
		if err := binary.Write(w, le, v.DX); err != nil {
			return err
		}
		return binary.Write(w, le, v.DY)
	case Chain:
		w.WriteByte(tagChain)
		if err := binary.Write(w, le, uint32(len(v))); err != nil {
			return err
		}
		for _, inner := range v {
			if err := encode(w, inner); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownTransform, t)
	}
	return nil
}

func decode(r *bytes.Reader) (Transform, error) {
	le := binary.LittleEndian
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read tag: %w", err)
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagAffine:
		var v [6]float64
		if err := binary.Read(r, le, &v); err != nil {
			return nil, err
		}
		return Affine{A: v[0], B: v[1], TX: v[2], C: v[3], D: v[4], TY: v[5]}, nil
	case tagField:
		var hdr [5]float64
		var dims [2]uint32
		if err := binary.Read(r, le, &hdr); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &dims); err != nil {
			return nil, err
		}
		n := int(dims[0]) * int(dims[1])
		if n*8 > r.Len() {
			return nil, io.ErrUnexpectedEOF
		}
		f := &Field{
			Region: Rect{X: hdr[0], Y: hdr[1], Width: hdr[2], Height: hdr[3]},
			Step:   hdr[4],
			Width:  int(dims[0]),
			Height: int(dims[1]),
			DX:     make([]float32, n),
			DY:     make([]float32, n),
		}
		if err := binary.Read(r, le, f.DX); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, f.DY); err != nil {
			return nil, err
		}
		return f, nil
	case tagChain:
		var n uint32
		if err := binary.Read(r, le, &n); err != nil {
			return nil, err
		}
		if int(n) > r.Len() {
			return nil, io.ErrUnexpectedEOF
		}
		c := make(Chain, 0, n)
		for i := uint32(0); i < n; i++ {
			t, err := decode(r)
			if err != nil {
				return nil, err
			}
			c = append(c, t)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: tag %q", ErrUnknownTransform, tag)
	}
}
