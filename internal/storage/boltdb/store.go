// Package boltdb реализует документное хранилище продаж поверх bbolt: продажа хранится одним JSON-документом
// вместе с журналом, индексы лежат в отдельных bucket'ах и обновляются в той же транзакции.
package boltdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSales       = []byte("sales")
	bucketInFlight    = []byte("sales_in_flight")
	bucketProviderRef = []byte("sales_provider_ref")
	bucketEnrollments = []byte("enrollments")
	bucketOutbox      = []byte("outbox")
	bucketOutboxIndex = []byte("outbox_index")

	allBuckets = [][]byte{
		bucketSales, bucketInFlight, bucketProviderRef,
		bucketEnrollments, bucketOutbox, bucketOutboxIndex,
	}
)

const openTimeout = time.Second

// Store владеет файлом bbolt.
type Store struct {
	db *bolt.DB
}

// Open открывает (или создаёт) файл базы и все bucket'ы.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Ping проверяет, что база открыта и читается.
func (s *Store) Ping(_ context.Context) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSales) == nil {
			return errors.New("sales bucket is missing")
		}
		return nil
	})
}

// Close закрывает базу.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func pairKey(buyerID, courseID string) []byte {
	return []byte(buyerID + "\x00" + courseID)
}
