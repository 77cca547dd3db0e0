package userstore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"sbstate/cmd/internal/persist"
)

// Keys written by the coin helpers before the record was unified.
const (
	LegacyCoinBalanceKey = "sb_coin_balance"
	LegacyLastCheckInKey = "sb_last_check_in"
)

// runLegacyMigration copies each parseable legacy value into the record
// and removes its key. Unparseable values are left in place.
func (s *Store) runLegacyMigration(ctx context.Context) {
	st := s.adapter.Storage()

	if n, ok := s.readLegacyInt(ctx, st, LegacyCoinBalanceKey); ok {
		if n < 0 {
			n = 0
		}
		s.Update(ctx, Patch{CoinBalance: Set(n)})
		s.removeLegacy(ctx, st, LegacyCoinBalanceKey)
	}

	if ms, ok := s.readLegacyInt(ctx, st, LegacyLastCheckInKey); ok {
		s.Update(ctx, Patch{LastCheckInAt: Set(Ref(Millis(ms)))})
		s.removeLegacy(ctx, st, LegacyLastCheckInKey)
	}
}

func (s *Store) readLegacyInt(ctx context.Context, st persist.Storage, key string) (int64, bool) {
	b, err := st.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			s.log.Warn("store.legacy.read.fail", "key", key, "err", err)
		}
		return 0, false
	}

	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.log.Warn("store.legacy.parse.fail", "key", key, "err", err)
		return 0, false
	}
	return n, true
}

func (s *Store) removeLegacy(ctx context.Context, st persist.Storage, key string) {
	if err := st.Remove(ctx, key); err != nil && !errors.Is(err, persist.ErrNotFound) {
		s.log.Warn("store.legacy.remove.fail", "key", key, "err", err)
		return
	}
	s.log.Info("store.legacy.migrated", "key", key)
}
