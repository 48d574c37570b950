package flash

import (
	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"
)

var otadataBucket = []byte("otadata")

// Keys of the otadata bucket.
const (
	keyBoot        = "boot"
	keyStatePrefix = "state:"
)

// Image states as stored in otadata.
const (
	stateNew           = "new"
	statePendingVerify = "pending_verify"
	stateValid         = "valid"
	stateInvalid       = "invalid"
	stateAborted       = "aborted"
)

// otaData persists the boot selection and image states.
type otaData struct {
	db *bbolt.DB
}

func openOtaData(path string) (*otaData, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Errorf("Could not open otadata: %v", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(otadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Errorf("Could not create otadata bucket: %v", err)
	}

	return &otaData{db: db}, nil
}

func (d *otaData) close() error {
	return d.db.Close()
}

func (d *otaData) get(key string) (string, error) {
	var value string
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(otadataBucket)
		if bucket == nil {
			return nil
		}
		value = string(bucket.Get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", errors.Errorf("Could not read %s: %v", key, err)
	}
	return value, nil
}

// put writes all pairs in one transaction. An empty value deletes the key.
func (d *otaData) put(pairs map[string]string) error {
	err := d.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(otadataBucket)
		if err != nil {
			return err
		}
		for k, v := range pairs {
			if v == "" {
				if err := bucket.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Errorf("Could not write otadata: %v", err)
	}
	return nil
}
