// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// DBVersion is the latest database version this software understands. Opening
// a database with a higher recorded version fails.
const DBVersion = 1

var errNoVersion = errors.New("database version not found")

// upgrade moves the database from version-1 to version.
type upgrade struct {
	version uint32
	desc    string
	run     func(tx *bbolt.Tx) error
}

// upgrades are applied in order. Databases without a recorded version are at
// version 0.
var upgrades = []upgrade{
	{1, "record the database version and create the tracker bucket", createTrackerBucket},
}

func fetchDBVersion(tx *bbolt.Tx) (uint32, error) {
	bucket := tx.Bucket(appBucket)
	if bucket == nil {
		return 0, fmt.Errorf("app bucket not found")
	}
	versionB := bucket.Get(versionKey)
	if versionB == nil {
		return 0, errNoVersion
	}
	if len(versionB) != 4 {
		return 0, fmt.Errorf("invalid database version encoding %x", versionB)
	}
	return binary.BigEndian.Uint32(versionB), nil
}

func setDBVersion(tx *bbolt.Tx, version uint32) error {
	bucket := tx.Bucket(appBucket)
	if bucket == nil {
		return fmt.Errorf("app bucket not found")
	}
	return bucket.Put(versionKey, binary.BigEndian.AppendUint32(nil, version))
}

// upgradeDB runs any upgrades needed to bring the database to DBVersion, all
// in one transaction.
func upgradeDB(db *bbolt.DB) error {
	var version uint32
	err := db.View(func(tx *bbolt.Tx) error {
		v, err := fetchDBVersion(tx)
		switch {
		case errors.Is(err, errNoVersion):
		case err != nil:
			return err
		default:
			version = v
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case version > DBVersion:
		return fmt.Errorf("unknown database version %d, "+
			"tracker recognizes up to %d", version, DBVersion)
	case version == DBVersion:
		return nil
	}

	log.Infof("Upgrading database from version %d to %d", version, DBVersion)

	return db.Update(func(tx *bbolt.Tx) error {
		for _, u := range upgrades {
			if u.version <= version {
				continue
			}
			log.Debugf("Database upgrade to version %d: %s", u.version, u.desc)
			if err := u.run(tx); err != nil {
				return fmt.Errorf("upgrade to version %d failed: %w", u.version, err)
			}
			if err := setDBVersion(tx, u.version); err != nil {
				return err
			}
		}
		return nil
	})
}

func createTrackerBucket(tx *bbolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(trackerBucket); err != nil {
		return fmt.Errorf("error creating tracker bucket: %w", err)
	}
	return nil
}
