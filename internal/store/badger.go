package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// Key layout. Audit keys embed a zero-padded UnixNano so iteration order is
// chronological.
const (
	prefixServer    = "srv/"
	prefixACL       = "acl/"
	prefixBinding   = "bind/"
	prefixBindingIx = "bindix/"
	prefixToken     = "tok/"
	prefixAudit     = "audit/"
)

// Badger is the production Store backed by an embedded badger database.
type Badger struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadger opens (or creates) the database under dir.
func OpenBadger(dir string, logger zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", dir, err)
	}
	return &Badger{db: db, log: logger}, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

func (s *Badger) getJSON(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func (s *Badger) setJSON(txn *badger.Txn, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// listPrefix decodes every value under prefix into a fresh T.
func listPrefix[T any](s *Badger, prefix string) ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var value T
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &value)
			})
			if err != nil {
				return err
			}
			out = append(out, value)
		}
		return nil
	})
	return out, err
}

// keysWithPrefix collects keys under prefix for which keep returns true.
func (s *Badger) keysWithPrefix(prefix string, keep func(key string, val []byte) (bool, error)) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ok, err := keep(key, val)
			if err != nil {
				return err
			}
			if ok {
				keys = append(keys, key)
			}
		}
		return nil
	})
	return keys, err
}

func (s *Badger) deleteKeys(keys []string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Badger) GetServer(_ context.Context, id string) (*types.ServerDescriptor, error) {
	var server types.ServerDescriptor
	if err := s.getJSON(prefixServer+id, &server); err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *Badger) ListServers(_ context.Context) ([]types.ServerDescriptor, error) {
	return listPrefix[types.ServerDescriptor](s, prefixServer)
}

func (s *Badger) PutServer(_ context.Context, server *types.ServerDescriptor) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.setJSON(txn, prefixServer+server.ID, server)
	})
}

func (s *Badger) DeleteServer(_ context.Context, id string) error {
	if _, err := s.GetServer(context.Background(), id); err != nil {
		return err
	}

	// Collect cascade targets first; badger recommends not deleting under a
	// live iterator.
	doomed := []string{prefixServer + id}

	bindingKeys, err := s.keysWithPrefix(prefixBinding, func(_ string, val []byte) (bool, error) {
		var binding types.Binding
		if err := json.Unmarshal(val, &binding); err != nil {
			return false, err
		}
		return binding.ServerID == id, nil
	})
	if err != nil {
		return err
	}
	doomed = append(doomed, bindingKeys...)

	indexKeys, err := s.keysWithPrefix(prefixBindingIx, func(key string, _ []byte) (bool, error) {
		parts := strings.Split(strings.TrimPrefix(key, prefixBindingIx), "/")
		return len(parts) == 3 && parts[1] == id, nil
	})
	if err != nil {
		return err
	}
	doomed = append(doomed, indexKeys...)

	tokenKeys, err := s.keysWithPrefix(prefixToken, func(_ string, val []byte) (bool, error) {
		var token types.TokenRecord
		if err := json.Unmarshal(val, &token); err != nil {
			return false, err
		}
		return token.ServerID == id, nil
	})
	if err != nil {
		return err
	}
	doomed = append(doomed, tokenKeys...)

	aclKeys, err := s.keysWithPrefix(prefixACL, func(key string, _ []byte) (bool, error) {
		return strings.HasSuffix(key, "/"+id), nil
	})
	if err != nil {
		return err
	}
	doomed = append(doomed, aclKeys...)

	return s.deleteKeys(doomed)
}

func aclKey(userID, serverID string) string {
	return prefixACL + userID + "/" + serverID
}

func (s *Badger) ListACLByUser(_ context.Context, userID string) ([]types.ACLEntry, error) {
	return listPrefix[types.ACLEntry](s, prefixACL+userID+"/")
}

func (s *Badger) PutACL(_ context.Context, entry types.ACLEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.setJSON(txn, aclKey(entry.UserID, entry.ServerID), entry)
	})
}

func (s *Badger) DeleteACL(_ context.Context, userID, serverID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(aclKey(userID, serverID))
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func bindingIndexKey(binding *types.Binding) string {
	return prefixBindingIx + binding.GroupID + "/" + binding.ServerID + "/" + string(binding.Kind)
}

func (s *Badger) GetBinding(_ context.Context, id string) (*types.Binding, error) {
	var binding types.Binding
	if err := s.getJSON(prefixBinding+id, &binding); err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *Badger) ListBindings(_ context.Context) ([]types.Binding, error) {
	return listPrefix[types.Binding](s, prefixBinding)
}

func (s *Badger) PutBinding(_ context.Context, binding *types.Binding) error {
	return s.db.Update(func(txn *badger.Txn) error {
		indexKey := []byte(bindingIndexKey(binding))
		item, err := txn.Get(indexKey)
		switch {
		case err == nil:
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(existing) != binding.ID {
				return ErrDuplicateBinding
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		// Drop a stale index entry when the binding moved triples.
		var previous types.Binding
		if prevItem, err := txn.Get([]byte(prefixBinding + binding.ID)); err == nil {
			if err := prevItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &previous)
			}); err != nil {
				return err
			}
			if prevKey := bindingIndexKey(&previous); prevKey != string(indexKey) {
				if err := txn.Delete([]byte(prevKey)); err != nil {
					return err
				}
			}
		}

		if err := txn.Set(indexKey, []byte(binding.ID)); err != nil {
			return err
		}
		return s.setJSON(txn, prefixBinding+binding.ID, binding)
	})
}

func (s *Badger) DeleteBinding(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixBinding + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		var binding types.Binding
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &binding)
		}); err != nil {
			return err
		}
		if err := txn.Delete([]byte(bindingIndexKey(&binding))); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixBinding + id))
	})
}

func (s *Badger) GetToken(_ context.Context, id string) (*types.TokenRecord, error) {
	var token types.TokenRecord
	if err := s.getJSON(prefixToken+id, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *Badger) PutToken(_ context.Context, token *types.TokenRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.setJSON(txn, prefixToken+token.ID, token)
	})
}

func (s *Badger) DeleteToken(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixToken + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Badger) ListTokensByServer(_ context.Context, serverID string) ([]types.TokenRecord, error) {
	all, err := listPrefix[types.TokenRecord](s, prefixToken)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, token := range all {
		if token.ServerID == serverID {
			out = append(out, token)
		}
	}
	return out, nil
}

func auditKey(at time.Time, id string) string {
	return fmt.Sprintf("%s%020d/%s", prefixAudit, at.UnixNano(), id)
}

func (s *Badger) AppendAudit(_ context.Context, entry types.AuditEntry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.setJSON(txn, auditKey(entry.At, entry.ID), entry)
	})
}

func (s *Badger) QueryAudit(_ context.Context, filter types.AuditFilter) ([]types.AuditEntry, error) {
	var out []types.AuditEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAudit)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(prefixAudit)
		if !filter.Since.IsZero() {
			start = []byte(fmt.Sprintf("%s%020d", prefixAudit, filter.Since.UnixNano()))
		}
		for it.Seek(start); it.Valid(); it.Next() {
			var entry types.AuditEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			if !filter.Until.IsZero() && entry.At.After(filter.Until) {
				break
			}
			if matchAudit(entry, filter) {
				out = append(out, entry)
				if filter.Limit > 0 && len(out) >= filter.Limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *Badger) CleanupAudit(_ context.Context, olderThan time.Time) (int, error) {
	boundary := fmt.Sprintf("%s%020d", prefixAudit, olderThan.UnixNano())
	keys, err := s.keysWithPrefix(prefixAudit, func(key string, _ []byte) (bool, error) {
		return key < boundary, nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.deleteKeys(keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// badgerLogger adapts badger's logger interface onto zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.log.Debug().Msgf(strings.TrimSpace(format), args...)
}
