package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotFound is returned by Load and Backend.Read when no entry exists.
var ErrNotFound = errors.New("securestore: not found")

// timeEncMode keeps sub-second precision on expiry timestamps.
var timeEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// Backend is raw persistence for sealed values. Implementations must replace
// an entry atomically: a concurrent Read observes either the old or the new
// value, never a partial write.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	// Remove deletes the entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, name string) error
}

// Store marshals, seals and persists values.
type Store struct {
	backend   Backend
	codec     *Codec
	namespace string

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
}

// Option configures a Store.
type Option func(*Store)

// WithMarshalUnmarshal configures custom marshal/unmarshal functions.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) Option {
	return func(s *Store) {
		s.marshal = marshal
		s.unmarshal = unmarshal
	}
}

// WithNamespace binds sealed values to a namespace (for example the client
// id), so entries written for one client cannot be opened for another.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// New creates a Store that seals values with codec and persists them to
// backend. Values are CBOR-encoded unless WithMarshalUnmarshal is given.
func New(backend Backend, codec *Codec, opts ...Option) (*Store, error) {
	if backend == nil || codec == nil {
		return nil, ErrConfig
	}
	s := &Store{
		backend:   backend,
		codec:     codec,
		marshal:   timeEncMode.Marshal,
		unmarshal: cbor.Unmarshal,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.marshal == nil || s.unmarshal == nil {
		return nil, ErrConfig
	}
	return s, nil
}

func (s *Store) aad(name string) []byte {
	return []byte("securestore:" + s.namespace + ":" + name)
}

// Load reads the entry name into v. It returns ErrNotFound if the entry is
// absent, and ErrSealed if it was written under an unknown key or tampered
// with.
func (s *Store) Load(ctx context.Context, name string, v any) error {
	raw, err := s.backend.Read(ctx, name)
	if err != nil {
		return err
	}
	plain, err := s.codec.Open(string(raw), s.aad(name))
	if err != nil {
		return err
	}
	if err := s.unmarshal(plain, v); err != nil {
		return fmt.Errorf("securestore: decode %s: %w", name, err)
	}
	return nil
}

// Save replaces the entry name with v.
func (s *Store) Save(ctx context.Context, name string, v any) error {
	plain, err := s.marshal(v)
	if err != nil {
		return fmt.Errorf("securestore: encode %s: %w", name, err)
	}
	sealed, err := s.codec.Seal(plain, s.aad(name))
	if err != nil {
		return err
	}
	return s.backend.Write(ctx, name, []byte(sealed))
}

// Delete removes the entry name. Deleting a missing entry succeeds.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.backend.Remove(ctx, name)
}
