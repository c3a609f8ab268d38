package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrStoreClosed = errors.New("store is closed")

// InmemoryStore keeps the whole key space in one JSON document. Strings are
// JSON strings, lists are JSON arrays of strings, and hashes are JSON objects
// whose members keep their insertion order.
//
// Member names inside the document carry keyPrefix, so that every key,
// including the empty one, is a non-empty path. Restore and Backup speak
// plain keys.
type InmemoryStore struct {
	mu     sync.RWMutex
	values []byte

	// stop willl be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: []byte("{}"),
		stop:   make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.isRunning() {
		close(i.stop)
	}

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key string, value []byte) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.isRunning() {
		return ErrStoreClosed
	}

	i.values, err = sjson.SetBytes(i.values, keyPath(key), string(value))
	return err
}

func (i *InmemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	result := i.lookup(key)
	if !result.Exists() {
		return nil, false, nil
	}

	if typeOf(result) != TypeString {
		return nil, false, ErrWrongType
	}

	return []byte(result.Str), true, nil
}

func (i *InmemoryStore) Del(ctx context.Context, keys ...string) (n int, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, key := range keys {
		if !i.lookup(key).Exists() {
			continue
		}

		if i.values, err = sjson.DeleteBytes(i.values, keyPath(key)); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}

func (i *InmemoryStore) Exists(ctx context.Context, keys ...string) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	n := 0
	for _, key := range keys {
		if i.lookup(key).Exists() {
			n++
		}
	}

	return n, nil
}

// Keys returns the keys matching a glob style pattern, in insertion order.
func (i *InmemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if pattern == "" {
		pattern = "*"
	}

	var (
		keys []string
		err  error
	)

	gjson.ParseBytes(i.values).ForEach(func(k, _ gjson.Result) bool {
		key := strings.TrimPrefix(k.String(), keyPrefix)

		var ok bool
		if ok, err = path.Match(pattern, key); err != nil {
			return false
		}

		if ok {
			keys = append(keys, key)
		}

		return true
	})

	return keys, err
}

func (i *InmemoryStore) Type(ctx context.Context, key string) (Type, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return typeOf(i.lookup(key)), nil
}

func (i *InmemoryStore) Rename(ctx context.Context, src, dst string) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := i.lookup(src)
	if !result.Exists() {
		return ErrNoSuchKey
	}

	if src == dst {
		return nil
	}

	raw := []byte(result.Raw)

	if i.values, err = sjson.DeleteBytes(i.values, keyPath(src)); err != nil {
		return err
	}

	if i.lookup(dst).Exists() {
		if i.values, err = sjson.DeleteBytes(i.values, keyPath(dst)); err != nil {
			return err
		}
	}

	i.values, err = sjson.SetRawBytes(i.values, keyPath(dst), raw)
	return err
}

func (i *InmemoryStore) LPush(ctx context.Context, key string, values ...[]byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	list, err := i.readList(key)
	if err != nil {
		return 0, err
	}

	pushed := make([]string, 0, len(list)+len(values))
	for j := len(values) - 1; j >= 0; j-- {
		pushed = append(pushed, string(values[j]))
	}
	pushed = append(pushed, list...)

	return len(pushed), i.writeList(key, pushed)
}

func (i *InmemoryStore) RPush(ctx context.Context, key string, values ...[]byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	list, err := i.readList(key)
	if err != nil {
		return 0, err
	}

	for _, v := range values {
		list = append(list, string(v))
	}

	return len(list), i.writeList(key, list)
}

func (i *InmemoryStore) LPop(ctx context.Context, key string) ([]byte, bool, error) {
	return i.pop(key, true)
}

func (i *InmemoryStore) RPop(ctx context.Context, key string) ([]byte, bool, error) {
	return i.pop(key, false)
}

func (i *InmemoryStore) pop(key string, head bool) ([]byte, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	list, err := i.readList(key)
	if err != nil || len(list) == 0 {
		return nil, false, err
	}

	var value string
	if head {
		value, list = list[0], list[1:]
	} else {
		value, list = list[len(list)-1], list[:len(list)-1]
	}

	return []byte(value), true, i.writeList(key, list)
}

func (i *InmemoryStore) LLen(ctx context.Context, key string) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	list, err := i.readList(key)
	return len(list), err
}

func (i *InmemoryStore) LIndex(ctx context.Context, key string, index int) ([]byte, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	list, err := i.readList(key)
	if err != nil {
		return nil, false, err
	}

	if index < 0 {
		index += len(list)
	}

	if index < 0 || index >= len(list) {
		return nil, false, nil
	}

	return []byte(list[index]), true, nil
}

func (i *InmemoryStore) LSet(ctx context.Context, key string, index int, value []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.lookup(key).Exists() {
		return ErrNoSuchKey
	}

	list, err := i.readList(key)
	if err != nil {
		return err
	}

	if index < 0 {
		index += len(list)
	}

	if index < 0 || index >= len(list) {
		return ErrIndexOutOfRange
	}

	list[index] = string(value)
	return i.writeList(key, list)
}

// LRange returns the elements between start and stop inclusive. Negative
// offsets count from the end of the list.
func (i *InmemoryStore) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	list, err := i.readList(key)
	if err != nil {
		return nil, err
	}

	n := len(list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}

	out := [][]byte{}
	for j := start; j <= stop && j < n; j++ {
		out = append(out, []byte(list[j]))
	}

	return out, nil
}

// HSet sets the given fields and returns how many of them were new.
func (i *InmemoryStore) HSet(ctx context.Context, key string, fields ...FieldValue) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	hash, err := i.readHash(key)
	if err != nil {
		return 0, err
	}

	added := 0

fields:
	for _, fv := range fields {
		for j := range hash {
			if hash[j].Field == fv.Field {
				hash[j].Value = fv.Value
				continue fields
			}
		}

		hash = append(hash, fv)
		added++
	}

	return added, i.writeHash(key, hash)
}

func (i *InmemoryStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	hash, err := i.readHash(key)
	if err != nil {
		return nil, false, err
	}

	for _, fv := range hash {
		if fv.Field == field {
			return fv.Value, true, nil
		}
	}

	return nil, false, nil
}

func (i *InmemoryStore) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	hash, err := i.readHash(key)
	if err != nil {
		return 0, err
	}

	kept := hash[:0]
	for _, fv := range hash {
		if containsString(fields, fv.Field) {
			continue
		}
		kept = append(kept, fv)
	}

	removed := len(hash) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	return removed, i.writeHash(key, kept)
}

func (i *InmemoryStore) HExists(ctx context.Context, key, field string) (bool, error) {
	_, ok, err := i.HGet(ctx, key, field)
	return ok, err
}

func (i *InmemoryStore) HLen(ctx context.Context, key string) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	hash, err := i.readHash(key)
	return len(hash), err
}

func (i *InmemoryStore) HGetAll(ctx context.Context, key string) ([]FieldValue, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.readHash(key)
}

func (i *InmemoryStore) Restore(values []byte) error {
	if !gjson.ValidBytes(values) || !gjson.ParseBytes(values).IsObject() {
		return errors.New("restore requires a JSON object")
	}

	doc, err := renameMembers(values, func(key string) string {
		return keyPrefix + key
	})
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.values = doc
	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return renameMembers(i.values, func(name string) string {
		return strings.TrimPrefix(name, keyPrefix)
	})
}

func (i *InmemoryStore) lookup(key string) gjson.Result {
	return gjson.GetBytes(i.values, keyPath(key))
}

func (i *InmemoryStore) readList(key string) ([]string, error) {
	result := i.lookup(key)
	if !result.Exists() {
		return nil, nil
	}

	if !result.IsArray() {
		return nil, ErrWrongType
	}

	elems := result.Array()
	list := make([]string, len(elems))
	for j, e := range elems {
		list[j] = e.Str
	}

	return list, nil
}

// writeList replaces the list held by key. An empty list removes the key.
func (i *InmemoryStore) writeList(key string, list []string) (err error) {
	if len(list) == 0 {
		i.values, err = sjson.DeleteBytes(i.values, keyPath(key))
		return err
	}

	i.values, err = sjson.SetBytes(i.values, keyPath(key), list)
	return err
}

func (i *InmemoryStore) readHash(key string) ([]FieldValue, error) {
	result := i.lookup(key)
	if !result.Exists() {
		return nil, nil
	}

	if !result.IsObject() {
		return nil, ErrWrongType
	}

	var hash []FieldValue
	result.ForEach(func(k, v gjson.Result) bool {
		hash = append(hash, FieldValue{Field: k.String(), Value: []byte(v.Str)})
		return true
	})

	return hash, nil
}

// writeHash replaces the hash held by key, keeping field order. An empty hash
// removes the key.
func (i *InmemoryStore) writeHash(key string, hash []FieldValue) (err error) {
	if len(hash) == 0 {
		i.values, err = sjson.DeleteBytes(i.values, keyPath(key))
		return err
	}

	raw := []byte{'{'}
	for j, fv := range hash {
		if j > 0 {
			raw = append(raw, ',')
		}

		field, err := json.Marshal(fv.Field)
		if err != nil {
			return err
		}

		value, err := json.Marshal(string(fv.Value))
		if err != nil {
			return err
		}

		raw = append(raw, field...)
		raw = append(raw, ':')
		raw = append(raw, value...)
	}
	raw = append(raw, '}')

	i.values, err = sjson.SetRawBytes(i.values, keyPath(key), raw)
	return err
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

func typeOf(result gjson.Result) Type {
	switch {
	case !result.Exists():
		return TypeNone
	case result.IsArray():
		return TypeList
	case result.IsObject():
		return TypeHash
	default:
		return TypeString
	}
}

// keyPrefix is put in front of every key in the document. gjson and sjson
// cannot address a member whose name is empty.
const keyPrefix = "k"

func keyPath(key string) string {
	return escapePath(keyPrefix + key)
}

// renameMembers copies a JSON object, renaming each top level member with
// rename. Member values and their order are kept as they are.
func renameMembers(doc []byte, rename func(string) string) ([]byte, error) {
	var (
		out = make([]byte, 0, len(doc))
		err error
	)

	out = append(out, '{')

	gjson.ParseBytes(doc).ForEach(func(k, v gjson.Result) bool {
		if len(out) > 1 {
			out = append(out, ',')
		}

		var name []byte
		if name, err = json.Marshal(rename(k.String())); err != nil {
			return false
		}

		out = append(out, name...)
		out = append(out, ':')
		out = append(out, v.Raw...)

		return true
	})

	if err != nil {
		return nil, err
	}

	return append(out, '}'), nil
}

// escapePath escapes the characters gjson and sjson treat as path syntax so
// any key can be used as a single path component.
func escapePath(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	for j := 0; j < len(key); j++ {
		switch key[j] {
		case '\\', '.', '*', '?', '|', '#', '@', ':', '!', '=', '<', '>', '%', '~':
			b.WriteByte('\\')
		}
		b.WriteByte(key[j])
	}

	return b.String()
}

func containsString(ss []string, s string) bool {
	for _, candidate := range ss {
		if candidate == s {
			return true
		}
	}

	return false
}

var _ Store = (*InmemoryStore)(nil)
