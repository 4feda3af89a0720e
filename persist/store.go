package persist

import (
	"context"
	"fmt"
	"sort"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/kv"
	"github.com/stevegt/semver"
)

// StoreVersion is the layout version written to new databases.  A
// database written by any newer version, patch releases included, is
// refused.
const StoreVersion = "1.0.0"

const (
	metaBucket     = "meta"
	userBucket     = "users"
	convBucket     = "conversations"
	messageBucket  = "messages"
	versionKey     = "version"
	messageKeyForm = "%s/%010d"
)

// Store is a Sink backed by a kv.Store.
type Store struct {
	db *kv.Store
}

// NewStore prepares db for use as a Sink.
func NewStore(db *kv.Store) (s *Store, err error) {
	defer Return(&err)
	s = &Store{db: db}
	err = db.Update(func(tx kv.WriteTx) error {
		for _, b := range []string{metaBucket, userBucket, convBucket, messageBucket} {
			err := tx.CreateBucketIfNotExists(b)
			if err != nil {
				return err
			}
		}
		return checkVersion(tx)
	})
	Ck(err)
	return
}

func checkVersion(tx kv.WriteTx) (err error) {
	buf := tx.Get(metaBucket, versionKey)
	if buf == nil {
		Debug("initializing store at version %s", StoreVersion)
		return tx.Put(metaBucket, versionKey, []byte(StoreVersion))
	}
	dbver, err := semver.Parse(buf)
	if err != nil {
		return fmt.Errorf("unreadable store version %q: %w", buf, err)
	}
	codever, err := semver.Parse([]byte(StoreVersion))
	if err != nil {
		return err
	}
	if semver.Cmp(dbver, codever) > 0 {
		return fmt.Errorf("database is version %s, but this is version %s -- upgrade ragchat", buf, StoreVersion)
	}
	return nil
}

// CreateUser stores u, replacing any user with the same id.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.UserID == "" || u.Username == "" {
		return fmt.Errorf("%w: user needs user_id and username", ErrInvalid)
	}
	return s.db.Update(func(tx kv.WriteTx) error {
		return kv.PutRecord(tx, userBucket, u.UserID, u)
	})
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, userID string) (u User, err error) {
	err = s.db.View(func(tx kv.ReadTx) error {
		found, err := kv.GetRecord(tx, userBucket, userID, &u)
		if err == nil && !found {
			err = fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return err
	})
	return
}

// CreateConversation stores c.  Creating the same conversation twice
// is harmless.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	if c.ConversationID == "" || c.UserID == "" {
		return fmt.Errorf("%w: conversation needs conversation_id and user_id", ErrInvalid)
	}
	return s.db.Update(func(tx kv.WriteTx) error {
		return kv.PutRecord(tx, convBucket, c.ConversationID, c)
	})
}

// AddMessage stores m.  The conversation must already exist.
func (s *Store) AddMessage(ctx context.Context, m Message) error {
	if m.MessageID == "" || m.ConversationID == "" || m.Role == "" {
		return fmt.Errorf("%w: message needs message_id, conversation_id and role", ErrInvalid)
	}
	return s.db.Update(func(tx kv.WriteTx) error {
		if tx.Get(convBucket, m.ConversationID) == nil {
			return fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
		}
		return kv.PutRecord(tx, messageBucket, fmt.Sprintf(messageKeyForm, m.ConversationID, m.Seq), m)
	})
}

// ListConversations returns a user's conversations, oldest first.
func (s *Store) ListConversations(ctx context.Context, userID string) (convs []Conversation, err error) {
	err = s.db.View(func(tx kv.ReadTx) error {
		return tx.ForEach(convBucket, func(k, v []byte) error {
			var c Conversation
			err := kv.Unmarshal(v, &c)
			if err != nil {
				return err
			}
			if c.UserID == userID {
				convs = append(convs, c)
			}
			return nil
		})
	})
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
	return
}

// ListMessages returns a conversation's messages in order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) (msgs []Message, err error) {
	err = s.db.View(func(tx kv.ReadTx) error {
		return tx.Scan(messageBucket, conversationID+"/", func(k, v []byte) error {
			var m Message
			err := kv.Unmarshal(v, &m)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	return
}

var _ Sink = (*Store)(nil)
