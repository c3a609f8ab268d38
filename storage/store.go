package storage

import (
	"context"
	"errors"
)

var (
	ErrWrongType       = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	ErrNoSuchKey       = errors.New("ERR no such key")
	ErrIndexOutOfRange = errors.New("ERR index out of range")
)

// Type is the kind of value held by a key, as reported by TYPE.
type Type string

const (
	TypeNone   Type = "none"
	TypeString Type = "string"
	TypeList   Type = "list"
	TypeHash   Type = "hash"
)

// FieldValue is one field of a hash.
type FieldValue struct {
	Field string
	Value []byte
}

type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Del(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, keys ...string) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Type(ctx context.Context, key string) (Type, error)
	Rename(ctx context.Context, src, dst string) error

	LPush(ctx context.Context, key string, values ...[]byte) (int, error)
	RPush(ctx context.Context, key string, values ...[]byte) (int, error)
	LPop(ctx context.Context, key string) (value []byte, ok bool, err error)
	RPop(ctx context.Context, key string) (value []byte, ok bool, err error)
	LLen(ctx context.Context, key string) (int, error)
	LIndex(ctx context.Context, key string, index int) (value []byte, ok bool, err error)
	LSet(ctx context.Context, key string, index int, value []byte) error
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)

	HSet(ctx context.Context, key string, fields ...FieldValue) (int, error)
	HGet(ctx context.Context, key, field string) (value []byte, ok bool, err error)
	HDel(ctx context.Context, key string, fields ...string) (int, error)
	HExists(ctx context.Context, key, field string) (bool, error)
	HLen(ctx context.Context, key string) (int, error)
	HGetAll(ctx context.Context, key string) ([]FieldValue, error)

	Restore(values []byte) error
	Backup() ([]byte, error)

	Close() error
}
