// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hemant/resq/internal/log"
	"github.com/hemant/resq/internal/rdb"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testLogger = log.NewLogger(log.NewBase(io.Discard))

func setup(tb testing.TB) (redis.UniversalClient, *miniredis.Miniredis) {
	tb.Helper()
	mr := miniredis.RunT(tb)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { client.Close() })
	return client, mr
}

func setupRDB(tb testing.TB) (*rdb.RDB, *miniredis.Miniredis) {
	tb.Helper()
	client, mr := setup(tb)
	return rdb.NewRDB(client), mr
}

// newSyncCh returns a buffered sync channel so that senders never block.
func newSyncCh() chan *syncRequest {
	return make(chan *syncRequest, 100)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
