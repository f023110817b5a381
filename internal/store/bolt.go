package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers           = []byte("users")
	bucketUsersByEmail    = []byte("users_by_email")
	bucketRefreshSessions = []byte("refresh_sessions")
	bucketSpaces          = []byte("spaces")
	bucketSpacesBySlug    = []byte("spaces_by_slug")
	bucketPages           = []byte("pages")
	bucketPagesBySlug     = []byte("pages_by_slug")
	bucketPageChildren    = []byte("page_children")
	bucketComments        = []byte("comments")
	bucketPageComments    = []byte("page_comments")
	bucketAttachments     = []byte("attachments")
	bucketPageAttachments = []byte("page_attachments")
)

var allBuckets = [][]byte{
	bucketUsers, bucketUsersByEmail, bucketRefreshSessions,
	bucketSpaces, bucketSpacesBySlug,
	bucketPages, bucketPagesBySlug, bucketPageChildren,
	bucketComments, bucketPageComments,
	bucketAttachments, bucketPageAttachments,
}

const keySep = 0x00

// BoltStore keeps the whole wiki in a single bbolt file. Every record is a
// JSON value keyed by id; secondary buckets hold the lookups the SQL store
// gets from indexes.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPages) == nil {
			return fmt.Errorf("pages bucket missing")
		}
		return nil
	})
}

func getJSON(bucket *bolt.Bucket, key string, out any) error {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func putJSON(bucket *bolt.Bucket, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), raw)
}

func joinKey(parts ...string) []byte {
	return []byte(strings.Join(parts, string(rune(keySep))))
}

// scanPrefix calls fn with the last key segment of every key under prefix.
func scanPrefix(bucket *bolt.Bucket, prefix []byte, fn func(id string) error) error {
	cursor := bucket.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		if err := fn(string(k[len(prefix):])); err != nil {
			return err
		}
	}
	return nil
}

// Users.

func (s *BoltStore) CreateUser(ctx context.Context, user User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byEmail := tx.Bucket(bucketUsersByEmail)
		email := strings.ToLower(strings.TrimSpace(user.Email))
		if byEmail.Get([]byte(email)) != nil {
			return fmt.Errorf("create user: %w", ErrConflict)
		}
		now := s.now()
		user.Email = email
		user.CreatedAt, user.UpdatedAt = now, now
		if err := putJSON(tx.Bucket(bucketUsers), user.ID, user); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return byEmail.Put([]byte(email), []byte(user.ID))
	})
}

func (s *BoltStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), userID, &user)
	})
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *BoltStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsersByEmail).Get([]byte(strings.ToLower(strings.TrimSpace(email))))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketUsers), string(id), &user)
	})
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *BoltStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketUsers).Stats().KeyN
		return nil
	})
	return count, err
}

type boltRefreshSession struct {
	UserID    string     `json:"userId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

func (s *BoltStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRefreshSessions), tokenHash, boltRefreshSession{UserID: userID, ExpiresAt: expiresAt})
	})
}

func (s *BoltStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRefreshSessions)
		var session boltRefreshSession
		if err := getJSON(bucket, tokenHash, &session); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		now := s.now()
		session.RevokedAt = &now
		return putJSON(bucket, tokenHash, session)
	})
}

func (s *BoltStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		var session boltRefreshSession
		if err := getJSON(tx.Bucket(bucketRefreshSessions), tokenHash, &session); err != nil {
			return err
		}
		if session.RevokedAt != nil || !session.ExpiresAt.After(s.now()) {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketUsers), session.UserID, &user)
	})
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

// Spaces.

func (s *BoltStore) InsertSpace(ctx context.Context, space Space) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bySlug := tx.Bucket(bucketSpacesBySlug)
		spaces := tx.Bucket(bucketSpaces)
		if bySlug.Get([]byte(space.Slug)) != nil || spaces.Get([]byte(space.ID)) != nil {
			return fmt.Errorf("insert space: %w", ErrConflict)
		}
		now := s.now()
		space.CreatedAt, space.UpdatedAt = now, now
		if err := putJSON(spaces, space.ID, space); err != nil {
			return fmt.Errorf("insert space: %w", err)
		}
		return bySlug.Put([]byte(space.Slug), []byte(space.ID))
	})
}

func (s *BoltStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	var space Space
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketSpaces), spaceID, &space)
	})
	if err != nil {
		return Space{}, fmt.Errorf("get space: %w", err)
	}
	return space, nil
}

func (s *BoltStore) ListSpaces(ctx context.Context) ([]Space, error) {
	items := make([]Space, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpaces).ForEach(func(_, v []byte) error {
			var space Space
			if err := json.Unmarshal(v, &space); err != nil {
				return err
			}
			items = append(items, space)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *BoltStore) UpdateSpace(ctx context.Context, spaceID, name, description string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSpaces)
		var space Space
		if err := getJSON(bucket, spaceID, &space); err != nil {
			return fmt.Errorf("update space: %w", err)
		}
		space.Name, space.Description, space.UpdatedAt = name, description, s.now()
		return putJSON(bucket, spaceID, space)
	})
}

// DeleteSpace drops the space along with any pages still in it.
func (s *BoltStore) DeleteSpace(ctx context.Context, spaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSpaces)
		var space Space
		if err := getJSON(bucket, spaceID, &space); err != nil {
			return fmt.Errorf("delete space: %w", err)
		}
		var roots []string
		err := tx.Bucket(bucketPages).ForEach(func(_, v []byte) error {
			var page Page
			if err := json.Unmarshal(v, &page); err != nil {
				return err
			}
			if page.SpaceID == spaceID && page.ParentPageID == nil {
				roots = append(roots, page.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range roots {
			if _, err := purgeTree(tx, id); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketSpacesBySlug).Delete([]byte(space.Slug)); err != nil {
			return err
		}
		return bucket.Delete([]byte(spaceID))
	})
}

func (s *BoltStore) SpacePageCount(ctx context.Context, spaceID string) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).ForEach(func(_, v []byte) error {
			var page Page
			if err := json.Unmarshal(v, &page); err != nil {
				return err
			}
			if page.SpaceID == spaceID {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count space pages: %w", err)
	}
	return count, nil
}
