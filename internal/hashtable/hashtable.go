// Package hashtable implements the environment array handed to scripts:
// an insertion-ordered table with unique keys, where string keys carry a
// precomputed hash and integer keys are assigned by Append.
package hashtable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cryguy/sapi/internal/zstr"
)

// Value is what an Array can hold: string, int64, bool, nil or *Array.
type Value = any

const minSize = 8

type bucket struct {
	key   string
	hash  uint64
	index int64
	isInt bool
	val   Value
}

// Array is not safe for concurrent use. It is owned by one unit of work.
type Array struct {
	data      []bucket
	slots     []int32 // position in data + 1, 0 means empty
	nextIndex int64
}

// New returns an empty array sized for about n entries.
func New(n int) *Array {
	a := &Array{}
	a.grow(n)
	return a
}

// Len returns the number of entries.
func (a *Array) Len() int { return len(a.data) }

// UpdateKey inserts or replaces the value stored under an interned key.
// The key's precomputed hash is used as is.
func (a *Array) UpdateKey(k *zstr.Key, v Value) {
	a.update(k.String(), k.Hash(), v)
}

// Update inserts or replaces the value stored under name.
func (a *Array) Update(name string, v Value) {
	a.update(name, zstr.Hash(name), v)
}

// Append stores v under the next free integer index and returns it.
func (a *Array) Append(v Value) int64 {
	idx := a.nextIndex
	a.insert(bucket{index: idx, hash: uint64(idx), isInt: true, val: v})
	a.nextIndex++
	return idx
}

// FindKey returns the value stored under an interned key.
func (a *Array) FindKey(k *zstr.Key) (Value, bool) {
	if pos := a.lookup(k.String(), k.Hash()); pos >= 0 {
		return a.data[pos].val, true
	}
	return nil, false
}

// Find returns the value stored under name.
func (a *Array) Find(name string) (Value, bool) {
	if pos := a.lookup(name, zstr.Hash(name)); pos >= 0 {
		return a.data[pos].val, true
	}
	return nil, false
}

// Index returns the value stored under an integer key.
func (a *Array) Index(i int64) (Value, bool) {
	if pos := a.lookupInt(i); pos >= 0 {
		return a.data[pos].val, true
	}
	return nil, false
}

// Range calls fn for every entry in insertion order. Integer keys are
// reported through idx with name set to "". Returning false stops.
func (a *Array) Range(fn func(name string, idx int64, v Value) bool) {
	for _, b := range a.data {
		name := b.key
		if b.isInt {
			name = ""
		}
		if !fn(name, b.index, b.val) {
			return
		}
	}
}

// Keys returns the keys in insertion order, integer keys formatted as
// decimal strings.
func (a *Array) Keys() []string {
	keys := make([]string, 0, len(a.data))
	for _, b := range a.data {
		if b.isInt {
			keys = append(keys, strconv.FormatInt(b.index, 10))
		} else {
			keys = append(keys, b.key)
		}
	}
	return keys
}

// IsList reports whether the array only holds integer keys 0..n-1 in order.
func (a *Array) IsList() bool {
	for i, b := range a.data {
		if !b.isInt || b.index != int64(i) {
			return false
		}
	}
	return true
}

// Equal compares key by key: same key set, same values. Order is ignored.
func (a *Array) Equal(o *Array) bool {
	if a == nil || o == nil {
		return a == o
	}
	if a.Len() != o.Len() {
		return false
	}
	for _, b := range a.data {
		var (
			other Value
			ok    bool
		)
		if b.isInt {
			other, ok = o.Index(b.index)
		} else {
			if pos := o.lookup(b.key, b.hash); pos >= 0 {
				other, ok = o.data[pos].val, true
			}
		}
		if !ok || !valuesEqual(b.val, other) {
			return false
		}
	}
	return true
}

func valuesEqual(x, y Value) bool {
	xa, xok := x.(*Array)
	ya, yok := y.(*Array)
	if xok || yok {
		return xok && yok && xa.Equal(ya)
	}
	return x == y
}

// MarshalJSON encodes a list as a JSON array and anything else as an
// object whose members follow insertion order.
func (a *Array) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if a.Len() > 0 && a.IsList() {
		buf.WriteByte('[')
		for i, b := range a.data {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(&buf, b.val); err != nil {
				return nil, err
			}
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}

	buf.WriteByte('{')
	for i, b := range a.data {
		if i > 0 {
			buf.WriteByte(',')
		}
		name := b.key
		if b.isInt {
			name = strconv.FormatInt(b.index, 10)
		}
		kb, _ := json.Marshal(name)
		buf.Write(kb)
		buf.WriteByte(':')
		if err := writeValue(&buf, b.val); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v := v.(type) {
	case *Array:
		b, err := v.MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(b)
	case string, int64, int, bool, nil, float64:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
	default:
		return fmt.Errorf("hashtable: unsupported value type %T", v)
	}
	return nil
}

func (a *Array) update(name string, hash uint64, v Value) {
	if pos := a.lookup(name, hash); pos >= 0 {
		a.data[pos].val = v
		return
	}
	a.insert(bucket{key: name, hash: hash, val: v})
}

func (a *Array) insert(b bucket) {
	if (len(a.data)+1)*2 > len(a.slots) {
		a.grow(len(a.data) + 1)
	}
	a.data = append(a.data, b)
	a.place(len(a.data)-1, b.hash)
}

func (a *Array) place(pos int, hash uint64) {
	mask := uint64(len(a.slots) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		if a.slots[i] == 0 {
			a.slots[i] = int32(pos + 1)
			return
		}
	}
}

func (a *Array) lookup(name string, hash uint64) int {
	if len(a.slots) == 0 {
		return -1
	}
	mask := uint64(len(a.slots) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		s := a.slots[i]
		if s == 0 {
			return -1
		}
		b := &a.data[s-1]
		if !b.isInt && b.hash == hash && b.key == name {
			return int(s - 1)
		}
	}
}

func (a *Array) lookupInt(idx int64) int {
	if len(a.slots) == 0 {
		return -1
	}
	mask := uint64(len(a.slots) - 1)
	for i := uint64(idx) & mask; ; i = (i + 1) & mask {
		s := a.slots[i]
		if s == 0 {
			return -1
		}
		b := &a.data[s-1]
		if b.isInt && b.index == idx {
			return int(s - 1)
		}
	}
}

// grow resizes the slot table to hold at least n entries at half load and
// re-places every entry from its stored hash.
func (a *Array) grow(n int) {
	size := minSize
	for size < n*2 {
		size <<= 1
	}
	if size <= len(a.slots) {
		return
	}
	a.slots = make([]int32, size)
	if cap(a.data) < n {
		data := make([]bucket, len(a.data), n)
		copy(data, a.data)
		a.data = data
	}
	for pos, b := range a.data {
		a.place(pos, b.hash)
	}
}
