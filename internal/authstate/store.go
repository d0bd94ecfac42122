// Package authstate persists per-account WhatsApp credential blobs. The
// durable copy lives in the database; a bbolt file under the workdir serves
// as the local cache. Clearing an account removes both.
package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/partydesk/partydesk/internal/domain"
)

var cacheBucket = []byte("authstate")

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// Blob is the in-memory form of one account's auth state. Keys holds
// incremental key material from the transport; it is merged per key on save,
// never replaced as a whole.
type Blob struct {
	Creds json.RawMessage            `json:"creds,omitempty"`
	Keys  map[string]json.RawMessage `json:"keys,omitempty"`
}

// Store reads and writes auth state blobs.
type Store struct {
	db    *gorm.DB
	cache *bolt.DB
}

// NewStore opens the local cache under workdir and returns the store.
func NewStore(db *gorm.DB, workdir string) (*Store, error) {
	cache, err := bolt.Open(filepath.Join(workdir, "authstate.db"), 0o600,
		&bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "authstate: open cache")
	}
	err = cache.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "authstate: init cache bucket")
	}
	return &Store{db: db, cache: cache}, nil
}

// Close releases the local cache file.
func (s *Store) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

// Load returns the account's auth state, or (nil, nil) when the account has
// never been paired. When the durable store is unreachable the local cache
// copy is returned so a restart during an outage can still resume.
func (s *Store) Load(ctx context.Context, accountID int64) (*Blob, error) {
	var rec domain.WaAuthState
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&rec).Error
	switch {
	case err == nil:
		return decodeRecord(&rec)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		zap.L().Warn("authstate: durable load failed, trying local cache",
			zap.Int64("account_id", accountID), zap.Error(err))
		if blob := s.loadCache(accountID); blob != nil {
			return blob, nil
		}
		return nil, errors.Wrap(err, "authstate: load")
	}
}

// SaveCreds stores the account's base credential document.
func (s *Store) SaveCreds(ctx context.Context, accountID int64, creds json.RawMessage) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertColumn(tx, accountID, "creds", string(creds))
	})
	if err != nil {
		return errors.Wrap(err, "authstate: save creds")
	}
	s.writeCache(ctx, accountID)
	return nil
}

// SaveKeys merges incremental key material into the persisted key document.
// The merge happens per key inside a transaction so frequent partial updates
// never drop sibling keys.
func (s *Store) SaveKeys(ctx context.Context, accountID int64, delta map[string]json.RawMessage) error {
	if len(delta) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.WaAuthState
		err := tx.Where("account_id = ?", accountID).First(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		keys := map[string]json.RawMessage{}
		if rec.Keys != "" {
			if err := jsonit.Unmarshal([]byte(rec.Keys), &keys); err != nil {
				return errors.Wrap(err, "decode stored keys")
			}
		}
		for k, v := range delta {
			keys[k] = v
		}
		merged, err := jsonit.Marshal(keys)
		if err != nil {
			return err
		}
		return upsertColumn(tx, accountID, "keys", string(merged))
	})
	if err != nil {
		return errors.Wrap(err, "authstate: save keys")
	}
	s.writeCache(ctx, accountID)
	return nil
}

// Clear removes the durable record and the local cache entry. After Clear a
// Load returns empty, so a stale credential can never be reused.
func (s *Store) Clear(ctx context.Context, accountID int64) error {
	derr := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&domain.WaAuthState{}).Error
	cerr := s.cache.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete(cacheKey(accountID))
	})
	if derr != nil {
		return errors.Wrap(derr, "authstate: clear durable record")
	}
	if cerr != nil {
		return errors.Wrap(cerr, "authstate: clear cache entry")
	}
	zap.L().Info("authstate: cleared", zap.Int64("account_id", accountID))
	return nil
}

func upsertColumn(tx *gorm.DB, accountID int64, column, value string) error {
	res := tx.Model(&domain.WaAuthState{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{column: value, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	rec := domain.WaAuthState{AccountID: accountID, UpdatedAt: time.Now()}
	if column == "creds" {
		rec.Creds = value
	} else {
		rec.Keys = value
	}
	return tx.Create(&rec).Error
}

func decodeRecord(rec *domain.WaAuthState) (*Blob, error) {
	blob := &Blob{}
	if rec.Creds != "" {
		blob.Creds = json.RawMessage(rec.Creds)
	}
	if rec.Keys != "" {
		if err := jsonit.Unmarshal([]byte(rec.Keys), &blob.Keys); err != nil {
			return nil, errors.Wrap(err, "authstate: decode keys")
		}
	}
	if blob.Creds == nil && len(blob.Keys) == 0 {
		return nil, nil
	}
	return blob, nil
}

// writeCache refreshes the local cache from the durable copy, best effort.
func (s *Store) writeCache(ctx context.Context, accountID int64) {
	var rec domain.WaAuthState
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&rec).Error; err != nil {
		return
	}
	data, err := jsonit.Marshal(&rec)
	if err != nil {
		return
	}
	err = s.cache.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put(cacheKey(accountID), data)
	})
	if err != nil {
		zap.L().Debug("authstate: cache write failed",
			zap.Int64("account_id", accountID), zap.Error(err))
	}
}

func (s *Store) loadCache(accountID int64) *Blob {
	var data []byte
	_ = s.cache.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(cacheBucket).Get(cacheKey(accountID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if data == nil {
		return nil
	}
	var rec domain.WaAuthState
	if err := jsonit.Unmarshal(data, &rec); err != nil {
		return nil
	}
	blob, err := decodeRecord(&rec)
	if err != nil {
		return nil
	}
	return blob
}

func cacheKey(accountID int64) []byte {
	return []byte(fmt.Sprintf("account:%d", accountID))
}
