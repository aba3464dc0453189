// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"decred.org/acctracker/acct"
	dbi "decred.org/acctracker/client/db"
	"decred.org/acctracker/client/tracker"
	"go.etcd.io/bbolt"
)

// Bolt works on []byte keys and values. These are some commonly used key and
// value encodings.
var (
	appBucket     = []byte("appBucket")
	trackerBucket = []byte("tracker")
	versionKey    = []byte("version")
	stateKey      = []byte("state")
	updateTimeKey = []byte("utime")
	backupDir     = "backup"
)

type bucketFunc func(*bbolt.Bucket) error
type txFunc func(func(*bbolt.Tx) error) error

// BoltDB is a bbolt-based database backend for the account tracker. BoltDB
// satisfies the db.DB interface defined at decred.org/acctracker/client/db.
type BoltDB struct {
	*bbolt.DB
}

// Check that BoltDB satisfies the db.DB interface.
var _ dbi.DB = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	ec := acct.NewErrorCloser()
	defer ec.Done(log)
	ec.Add(db.Close)

	bdb := &BoltDB{
		DB: db,
	}
	if err = bdb.makeTopLevelBuckets([][]byte{appBucket, trackerBucket}); err != nil {
		return nil, err
	}
	if err = upgradeDB(db); err != nil {
		return nil, fmt.Errorf("database upgrade error: %w", err)
	}
	ec.Success()
	return bdb, nil
}

// Run waits for context cancellation and closes the database.
func (db *BoltDB) Run(ctx context.Context) {
	<-ctx.Done()
	err := db.Backup()
	if err != nil {
		log.Errorf("unable to backup database: %v", err)
	}
	db.Close()
}

// Store stores a value at the specified key in the general-use bucket.
func (db *BoltDB) Store(k string, v []byte) error {
	if len(k) == 0 {
		return fmt.Errorf("cannot store with empty key")
	}
	keyB := []byte(k)
	return db.withBucket(appBucket, db.Update, func(bucket *bbolt.Bucket) error {
		return bucket.Put(keyB, v)
	})
}

// ValueExists checks if a value was previously stored in the general-use
// bucket at the specified key.
func (db *BoltDB) ValueExists(k string) (bool, error) {
	var exists bool
	return exists, db.withBucket(appBucket, db.View, func(bucket *bbolt.Bucket) error {
		exists = bucket.Get([]byte(k)) != nil
		return nil
	})
}

// Get retrieves value previously stored with Store.
func (db *BoltDB) Get(k string) ([]byte, error) {
	var v []byte
	keyB := []byte(k)
	return v, db.withBucket(appBucket, db.View, func(bucket *bbolt.Bucket) error {
		b := bucket.Get(keyB)
		if b == nil {
			return fmt.Errorf("no value found for %s: %w", k, dbi.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		v = append([]byte(nil), b...)
		return nil
	})
}

// StoreTrackerState saves the tracker state as JSON.
func (db *BoltDB) StoreTrackerState(s *tracker.State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("error encoding tracker state: %w", err)
	}
	stamp, err := time.Now().MarshalBinary()
	if err != nil {
		return err
	}
	return db.withBucket(trackerBucket, db.Update, func(bucket *bbolt.Bucket) error {
		return newBucketPutter(bucket).
			put(stateKey, b).
			put(updateTimeKey, stamp).
			err()
	})
}

// TrackerState loads the saved tracker state.
func (db *BoltDB) TrackerState() (*tracker.State, error) {
	var s *tracker.State
	return s, db.withBucket(trackerBucket, db.View, func(bucket *bbolt.Bucket) error {
		b := bucket.Get(stateKey)
		if b == nil {
			return dbi.ErrNotFound
		}
		saved := new(tracker.State)
		if err := json.Unmarshal(b, saved); err != nil {
			return fmt.Errorf("error decoding tracker state: %w", err)
		}
		s = tracker.NewState(saved)
		return nil
	})
}

// TrackerStateUpdated is the time the tracker state was last saved.
func (db *BoltDB) TrackerStateUpdated() (time.Time, error) {
	var stamp time.Time
	return stamp, db.withBucket(trackerBucket, db.View, func(bucket *bbolt.Bucket) error {
		b := bucket.Get(updateTimeKey)
		if b == nil {
			return dbi.ErrNotFound
		}
		return stamp.UnmarshalBinary(b)
	})
}

// makeTopLevelBuckets creates a top-level bucket for each of the provided keys,
// if the bucket doesn't already exist.
func (db *BoltDB) makeTopLevelBuckets(buckets [][]byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// withBucket creates a view into a top-level bucket. The viewer can be
// read-only (db.View), or read-write (db.Update). The provided bucketFunc will
// be called with the requested bucket as its only argument.
func (db *BoltDB) withBucket(bkt []byte, viewer txFunc, f bucketFunc) error {
	return viewer(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bkt)
		if bucket == nil {
			return fmt.Errorf("failed to open %s bucket", string(bkt))
		}
		return f(bucket)
	})
}

// Backup makes a copy of the database.
func (db *BoltDB) Backup() error {
	dir := filepath.Join(filepath.Dir(db.Path()), backupDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.Mkdir(dir, 0700)
		if err != nil {
			return fmt.Errorf("unable to create backup directory: %v", err)
		}
	}

	path := filepath.Join(dir, filepath.Base(db.Path()))
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
	return err
}

// bucketPutter enables chained calls to (*bbolt.Bucket).Put with error
// deferment.
type bucketPutter struct {
	bucket *bbolt.Bucket
	putErr error
}

// newBucketPutter is a constructor for a bucketPutter.
func newBucketPutter(bkt *bbolt.Bucket) *bucketPutter {
	return &bucketPutter{bucket: bkt}
}

// put calls Put on the underlying bucket. If an error has been encountered in a
// previous call to put, nothing is done.
func (bp *bucketPutter) put(k, v []byte) *bucketPutter {
	if bp.putErr != nil {
		return bp
	}
	bp.putErr = bp.bucket.Put(k, v)
	return bp
}

// Return any put error encountered.
func (bp *bucketPutter) err() error {
	return bp.putErr
}
