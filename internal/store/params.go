// Package store persists per-device runtime parameters in a bbolt file.
// Each device has its own bucket keyed by parameter id; values are CBOR
// records.
package store

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"touchcode-go/drivers/ttsp"
)

const bucketPrefix = "params_"

type record struct {
	Size    uint8     `cbor:"1,keyasint"`
	Value   uint32    `cbor:"2,keyasint"`
	Updated time.Time `cbor:"3,keyasint"`
}

type Params struct {
	db  *bbolt.DB
	now func() time.Time
}

func bucketName(device string) []byte {
	return []byte(bucketPrefix + device)
}

// Open opens (creating if needed) the parameter database at path.
func Open(path string) (*Params, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Params{db: db, now: time.Now}, nil
}

func (s *Params) Close() error { return s.db.Close() }

// LoadParams returns the saved parameters of device ordered by id. A device
// that never saved anything has none.
func (s *Params) LoadParams(device string) ([]ttsp.Param, error) {
	var out []ttsp.Param
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(device))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 1 {
				return fmt.Errorf("store: bad key %x in %s", k, device)
			}
			var r record
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("store: param %d: %w", k[0], err)
			}
			out = append(out, ttsp.Param{ID: k[0], Size: r.Size, Value: r.Value})
			return nil
		})
	})
	return out, err
}

// SaveParam replaces the stored value of p.ID for device.
func (s *Params) SaveParam(device string, p ttsp.Param) error {
	v, err := cbor.Marshal(record{Size: p.Size, Value: p.Value, Updated: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(device))
		if err != nil {
			return err
		}
		return b.Put([]byte{p.ID}, v)
	})
}

// Forget drops every saved parameter of device.
func (s *Params) Forget(device string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(bucketName(device))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}
