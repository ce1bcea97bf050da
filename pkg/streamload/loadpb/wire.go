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

package loadpb

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/streamload/pkg/streamload/common"
	"github.com/pingcap/streamload/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// unmarshalFields walks the fields of b. fn returns the bytes it consumed,
// 0 for a field it does not know, which is skipped.
func unmarshalFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Trace(protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return errors.Annotatef(err, "field %d", num)
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Annotatef(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage appends an embedded message produced by fn.
func appendMessage(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, fn(nil))
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeInt64(typ protowire.Type, b []byte, v *int64) (int, error) {
	u, n, err := consumeVarint(typ, b)
	*v = int64(u)
	return n, err
}

func consumeInt32(typ protowire.Type, b []byte, v *int32) (int, error) {
	u, n, err := consumeVarint(typ, b)
	*v = int32(u)
	return n, err
}

func consumeBool(typ protowire.Type, b []byte, v *bool) (int, error) {
	u, n, err := consumeVarint(typ, b)
	*v = protowire.DecodeBool(u)
	return n, err
}

func consumeBytes(typ protowire.Type, b []byte, v *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = append([]byte(nil), raw...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, v *string) (int, error) {
	var raw []byte
	n, err := consumeBytes(typ, b, &raw)
	*v = string(raw)
	return n, err
}

func consumeMessage(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	var raw []byte
	n, err := consumeBytes(typ, b, &raw)
	if err != nil {
		return n, err
	}
	return n, fn(raw)
}

func appendTabletKey(b []byte, k common.TabletKey) []byte {
	b = appendVarint(b, 1, uint64(k.PartitionID))
	b = appendVarint(b, 2, uint64(k.IndexID))
	return appendVarint(b, 3, uint64(k.TabletID))
}

func unmarshalTabletKey(b []byte, k *common.TabletKey) error {
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &k.PartitionID)
		case 2:
			return consumeInt64(typ, b, &k.IndexID)
		case 3:
			return consumeInt64(typ, b, &k.TabletID)
		}
		return 0, nil
	})
}

func appendFieldType(b []byte, ft *types.FieldType) []byte {
	b = appendString(b, 1, ft.Name)
	b = appendVarint(b, 2, uint64(ft.Tp))
	b = appendVarint(b, 3, uint64(ft.Flen))
	b = appendVarint(b, 4, uint64(ft.Precision))
	b = appendVarint(b, 5, uint64(ft.Scale))
	return appendBool(b, 6, ft.Nullable)
}

func unmarshalFieldType(b []byte, ft *types.FieldType) error {
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v int64
		switch num {
		case 1:
			return consumeString(typ, b, &ft.Name)
		case 2:
			n, err := consumeInt64(typ, b, &v)
			ft.Tp = types.TypeCode(v)
			return n, err
		case 3:
			n, err := consumeInt64(typ, b, &v)
			ft.Flen = int(v)
			return n, err
		case 4:
			n, err := consumeInt64(typ, b, &v)
			ft.Precision = int(v)
			return n, err
		case 5:
			n, err := consumeInt64(typ, b, &v)
			ft.Scale = int(v)
			return n, err
		case 6:
			return consumeBool(typ, b, &ft.Nullable)
		}
		return 0, nil
	})
}
