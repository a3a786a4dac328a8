package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketOutbox = "outbox"

// Outbox journals published events until every subscriber has handled them
type Outbox struct {
	db *bolt.DB
}

func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketOutbox))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create outbox bucket: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) Append(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode outbox event: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOutbox)).Put(seqKey(evt.Seq), data)
	})
}

func (o *Outbox) Ack(seq uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOutbox)).Delete(seqKey(seq))
	})
}

// Pending returns unacknowledged events in publish order
func (o *Outbox) Pending() ([]Event, error) {
	var out []Event
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOutbox)).ForEach(func(_, v []byte) error {
			var evt Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("decode outbox event: %w", err)
			}
			out = append(out, evt)
			return nil
		})
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
