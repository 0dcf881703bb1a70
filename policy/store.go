package policy

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tupleRecord struct {
	ID        uint64    `gorm:"primaryKey"`
	Subject   string    `gorm:"size:255;not null;uniqueIndex:idx_policy_tuple"`
	Relation  string    `gorm:"size:32;not null;uniqueIndex:idx_policy_tuple"`
	Object    string    `gorm:"size:80;not null;uniqueIndex:idx_policy_tuple;index"`
	CreatedAt time.Time
}

func (tupleRecord) TableName() string {
	return "policy_tuples"
}

// implied lists the stored relations that satisfy a checked relation.
var implied = map[string][]string{
	RelationViewer: {RelationViewer, RelationOwner},
	RelationOwner:  {RelationOwner},
}

// Store keeps tuples in the application database.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("policy: database connection is required")
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&tupleRecord{})
}

func (s *Store) Write(ctx context.Context, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	records := make([]tupleRecord, 0, len(tuples))
	for _, t := range tuples {
		records = append(records, tupleRecord{Subject: t.User, Relation: t.Relation, Object: t.Object})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
}

func (s *Store) Delete(ctx context.Context, tuples []Tuple) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tuples {
			if err := tx.Where("subject = ? AND relation = ? AND object = ?", t.User, t.Relation, t.Object).
				Delete(&tupleRecord{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteObject(ctx context.Context, object string) error {
	return s.db.WithContext(ctx).Where("object = ?", object).Delete(&tupleRecord{}).Error
}

func (s *Store) Check(ctx context.Context, tuple Tuple) (bool, error) {
	results, err := s.BatchCheck(ctx, []Tuple{tuple})
	if err != nil {
		return false, err
	}
	return results[0], nil
}

// BatchCheck loads every relevant tuple in one query and evaluates the checks
// in memory.
func (s *Store) BatchCheck(ctx context.Context, tuples []Tuple) ([]bool, error) {
	results := make([]bool, len(tuples))
	if len(tuples) == 0 {
		return results, nil
	}

	objects := make([]string, 0, len(tuples))
	subjects := []string{Wildcard}
	seenObj := make(map[string]struct{}, len(tuples))
	seenSub := map[string]struct{}{Wildcard: {}}
	for _, t := range tuples {
		if _, ok := seenObj[t.Object]; !ok {
			seenObj[t.Object] = struct{}{}
			objects = append(objects, t.Object)
		}
		if _, ok := seenSub[t.User]; !ok {
			seenSub[t.User] = struct{}{}
			subjects = append(subjects, t.User)
		}
	}

	var records []tupleRecord
	if err := s.db.WithContext(ctx).
		Where("object IN ? AND subject IN ?", objects, subjects).
		Find(&records).Error; err != nil {
		return nil, err
	}

	granted := make(map[Tuple]struct{}, len(records))
	for _, r := range records {
		granted[Tuple{User: r.Subject, Relation: r.Relation, Object: r.Object}] = struct{}{}
	}
	for i, t := range tuples {
		for _, rel := range implied[t.Relation] {
			if _, ok := granted[Tuple{User: t.User, Relation: rel, Object: t.Object}]; ok {
				results[i] = true
				break
			}
			if _, ok := granted[Tuple{User: Wildcard, Relation: rel, Object: t.Object}]; ok {
				results[i] = true
				break
			}
		}
	}
	return results, nil
}

// NewBackendFromEnv selects the tuple backend from POLICY_BACKEND. "openfga"
// uses the OpenFGA API, anything else the application database.
func NewBackendFromEnv(db *gorm.DB) (Backend, error) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("POLICY_BACKEND")), "openfga") {
		return NewOpenFGAFromEnv()
	}
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(); err != nil {
		return nil, err
	}
	return store, nil
}
