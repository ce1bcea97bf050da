// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chunk

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/types"
)

const (
	codecVersion byte = 1

	flagCompressed byte = 1 << 0

	colSizeMetaLen        = 4
	nullColSize    uint32 = math.MaxUint32
)

var (
	encoderPool sync.Pool
	decoderPool sync.Pool
)

func getEncoder() *zstd.Encoder {
	if v := encoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func getDecoder() *zstd.Decoder {
	if v := decoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Encode serializes chk. The body is zstd compressed when compress is set.
//
// Format of an encoded chunk:
// | version | flags | col count | field 1 | ... | field n | row count | body |
//
// Format of the body:
// row1: | col1 size | col1 data | col2 size | col2 data | col3 size | col3 data |
// row2: | col1 size | col1 data | col2 size | col2 data | col3 size | col3 data |
//
// Column size is -1 if the value is NULL.
func Encode(chk *Chunk, compress bool) []byte {
	buf := make([]byte, 0, 64+chk.MemoryUsage())
	flags := byte(0)
	if compress {
		flags |= flagCompressed
	}
	buf = append(buf, codecVersion, flags)
	buf = binary.AppendUvarint(buf, uint64(chk.NumCols()))
	for _, ft := range chk.fields {
		buf = appendFieldType(buf, ft)
	}
	rows := chk.NumRows()
	buf = binary.AppendUvarint(buf, uint64(rows))

	body := serializeRows(chk, make([]byte, 0, chk.MemoryUsage()+int64(rows*chk.NumCols()*colSizeMetaLen)))
	if !compress {
		return append(buf, body...)
	}
	enc := getEncoder()
	buf = enc.EncodeAll(body, buf)
	encoderPool.Put(enc)
	return buf
}

func serializeRows(chk *Chunk, buf []byte) []byte {
	for i := 0; i < chk.NumRows(); i++ {
		for _, col := range chk.columns {
			if col.IsNull(i) {
				buf = binary.LittleEndian.AppendUint32(buf, nullColSize)
				continue
			}
			raw := col.GetRaw(i)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(raw)))
			buf = append(buf, raw...)
		}
	}
	return buf
}

func appendFieldType(buf []byte, ft *types.FieldType) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(ft.Name)))
	buf = append(buf, ft.Name...)
	nullable := byte(0)
	if ft.Nullable {
		nullable = 1
	}
	buf = append(buf, byte(ft.Tp), nullable)
	buf = binary.AppendUvarint(buf, uint64(ft.Flen))
	buf = binary.AppendUvarint(buf, uint64(ft.Precision))
	return binary.AppendUvarint(buf, uint64(ft.Scale))
}

type decodeBuf struct {
	data []byte
	off  int
}

func (d *decodeBuf) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		return 0, errors.New("corrupted chunk: bad varint")
	}
	d.off += n
	return v, nil
}

func (d *decodeBuf) bytes(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.data) {
		return nil, errors.Errorf("corrupted chunk: need %d bytes at offset %d, have %d", n, d.off, len(d.data)-d.off)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decodeBuf) fieldType() (*types.FieldType, error) {
	nameLen, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	name, err := d.bytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	tpAndNull, err := d.bytes(2)
	if err != nil {
		return nil, err
	}
	ft := &types.FieldType{Name: string(name), Tp: types.TypeCode(tpAndNull[0]), Nullable: tpAndNull[1] == 1}
	attrs := make([]uint64, 3)
	for i := range attrs {
		if attrs[i], err = d.uvarint(); err != nil {
			return nil, err
		}
	}
	ft.Flen, ft.Precision, ft.Scale = int(attrs[0]), int(attrs[1]), int(attrs[2])
	if !ft.Tp.Valid() {
		return nil, errors.Errorf("corrupted chunk: unknown type %d", tpAndNull[0])
	}
	return ft, nil
}

// Decode deserializes a chunk produced by Encode.
func Decode(data []byte) (*Chunk, error) {
	if len(data) < 2 {
		return nil, errors.New("corrupted chunk: too short")
	}
	if data[0] != codecVersion {
		return nil, errors.Errorf("unsupported chunk version %d", data[0])
	}
	flags := data[1]
	d := &decodeBuf{data: data, off: 2}
	colNum, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if colNum > uint64(len(data)) {
		return nil, errors.Errorf("corrupted chunk: %d columns", colNum)
	}
	fields := make([]*types.FieldType, 0, colNum)
	for i := uint64(0); i < colNum; i++ {
		ft, err := d.fieldType()
		if err != nil {
			return nil, err
		}
		fields = append(fields, ft)
	}
	rowNum, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	body := data[d.off:]
	if flags&flagCompressed != 0 {
		dec := getDecoder()
		body, err = dec.DecodeAll(body, nil)
		decoderPool.Put(dec)
		if err != nil {
			return nil, errors.Annotate(err, "decompress chunk")
		}
	}
	if rowNum > uint64(len(body)) {
		return nil, errors.Errorf("corrupted chunk: %d rows in %d bytes", rowNum, len(body))
	}
	chk := New(fields, int(rowNum))
	if err := deserializeRows(&decodeBuf{data: body}, chk, int(rowNum)); err != nil {
		return nil, err
	}
	return chk, nil
}

func deserializeRows(d *decodeBuf, chk *Chunk, rows int) error {
	for i := 0; i < rows; i++ {
		for colIdx, col := range chk.columns {
			sizeBuf, err := d.bytes(colSizeMetaLen)
			if err != nil {
				return err
			}
			size := binary.LittleEndian.Uint32(sizeBuf)
			if size == nullColSize {
				if !col.Nullable() {
					return errors.Errorf("corrupted chunk: NULL in not null column %s", chk.fields[colIdx].Name)
				}
				col.AppendNull()
				continue
			}
			raw, err := d.bytes(int(size))
			if err != nil {
				return err
			}
			if err := col.appendRaw(raw); err != nil {
				return errors.Annotatef(err, "column %s", chk.fields[colIdx].Name)
			}
		}
	}
	if d.off != len(d.data) {
		return errors.Errorf("corrupted chunk: %d trailing bytes", len(d.data)-d.off)
	}
	return nil
}
