package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mprlab/rtsync/internal/synckit"
)

// DatabaseStore persists documents using GORM, one row per document with the
// body serialized as JSON. Postgres and sqlite are selected by URL scheme,
// matching the refresh token store.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type entityRecord struct {
	Collection string `gorm:"column:collection;primaryKey"`
	EntityID   string `gorm:"column:entity_id;primaryKey"`
	Data       string `gorm:"column:data;not null"`
}

func (entityRecord) TableName() string {
	return "entities"
}

// NewDatabaseStore constructs a GORM-backed entity store for the URL.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	dialector, driverLabel, err := synckit.ResolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("entity_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&entityRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("entity_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Query scans the collection and returns documents matching the filter.
func (store *DatabaseStore) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	var records []entityRecord
	if err := store.db.WithContext(ctx).Where("collection = ?", collection).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("entity_store.query.%s: %w", store.driverLabel, err)
	}
	var results []Document
	for _, record := range records {
		doc, decodeErr := decodeDocument(record)
		if decodeErr != nil {
			return nil, decodeErr
		}
		if filter == nil || filter(doc) {
			results = append(results, doc)
		}
	}
	return results, nil
}

// Get returns one document by id.
func (store *DatabaseStore) Get(ctx context.Context, collection string, id string) (Document, error) {
	var record entityRecord
	err := store.db.WithContext(ctx).
		Where("collection = ? AND entity_id = ?", collection, id).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("entity_store.get.%s: %w", store.driverLabel, err)
	}
	return decodeDocument(record)
}

// Begin opens a database transaction for one mutating command.
func (store *DatabaseStore) Begin(ctx context.Context) (Tx, error) {
	tx := store.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("entity_store.begin.%s: %w", store.driverLabel, tx.Error)
	}
	return &databaseTx{store: store, tx: tx}, nil
}

type databaseTx struct {
	store    *DatabaseStore
	tx       *gorm.DB
	ops      []memoryOp
	finished bool
}

func (tx *databaseTx) Create(collection string, doc Document) (Document, error) {
	if tx.finished {
		return nil, errTxFinished
	}
	staged := doc.Clone()
	if staged == nil {
		staged = Document{}
	}
	if staged.ID() == "" {
		staged[IDKey] = ulid.Make().String()
	}
	tx.ops = append(tx.ops, memoryOp{kind: opCreate, collection: collection, doc: staged})
	return staged, nil
}

func (tx *databaseTx) Update(collection string, doc Document) (Document, error) {
	if tx.finished {
		return nil, errTxFinished
	}
	id := doc.ID()
	if id == "" {
		return nil, ErrMissingEntityID
	}
	var existing entityRecord
	err := tx.tx.Where("collection = ? AND entity_id = ?", collection, id).Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("entity_store.update.%s: %w", tx.store.driverLabel, err)
	}
	staged := doc.Clone()
	tx.ops = append(tx.ops, memoryOp{kind: opUpdate, collection: collection, doc: staged})
	return staged, nil
}

func (tx *databaseTx) Remove(collection string, id string) (Document, error) {
	if tx.finished {
		return nil, errTxFinished
	}
	if id == "" {
		return nil, ErrMissingEntityID
	}
	var existing entityRecord
	err := tx.tx.Where("collection = ? AND entity_id = ?", collection, id).Take(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("entity_store.remove.%s: %w", tx.store.driverLabel, err)
	}
	doc, decodeErr := decodeDocument(existing)
	if decodeErr != nil {
		return nil, decodeErr
	}
	tx.ops = append(tx.ops, memoryOp{kind: opRemove, collection: collection, id: id})
	return doc, nil
}

// Commit serializes staged documents and flushes them inside the transaction.
// Serialization happens here, not at stage time, so beforeSave hook edits to
// the staged documents are what lands in the database.
func (tx *databaseTx) Commit() error {
	if tx.finished {
		return errTxFinished
	}
	tx.finished = true
	for _, op := range tx.ops {
		switch op.kind {
		case opCreate, opUpdate:
			encoded, encodeErr := json.Marshal(op.doc)
			if encodeErr != nil {
				_ = tx.tx.Rollback()
				return fmt.Errorf("entity_store.encode.%s: %w", tx.store.driverLabel, encodeErr)
			}
			record := entityRecord{Collection: op.collection, EntityID: op.doc.ID(), Data: string(encoded)}
			var err error
			if op.kind == opCreate {
				err = tx.tx.Create(&record).Error
			} else {
				err = tx.tx.Model(&entityRecord{}).
					Where("collection = ? AND entity_id = ?", op.collection, record.EntityID).
					Update("data", record.Data).Error
			}
			if err != nil {
				_ = tx.tx.Rollback()
				return fmt.Errorf("entity_store.flush.%s: %w", tx.store.driverLabel, err)
			}
		case opRemove:
			if err := tx.tx.Where("collection = ? AND entity_id = ?", op.collection, op.id).
				Delete(&entityRecord{}).Error; err != nil {
				_ = tx.tx.Rollback()
				return fmt.Errorf("entity_store.flush.%s: %w", tx.store.driverLabel, err)
			}
		}
	}
	if err := tx.tx.Commit().Error; err != nil {
		return fmt.Errorf("entity_store.commit.%s: %w", tx.store.driverLabel, err)
	}
	return nil
}

func (tx *databaseTx) Rollback() error {
	if tx.finished {
		return errTxFinished
	}
	tx.finished = true
	if err := tx.tx.Rollback().Error; err != nil {
		return fmt.Errorf("entity_store.rollback.%s: %w", tx.store.driverLabel, err)
	}
	return nil
}

func decodeDocument(record entityRecord) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(record.Data), &doc); err != nil {
		return nil, fmt.Errorf("entity_store.decode: %w", err)
	}
	return doc, nil
}
