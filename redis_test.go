// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisAddr(t *testing.T) {
	tests := []struct {
		addr string
		want RedisClientOpt
	}{
		{"localhost:6379", RedisClientOpt{Addr: "localhost:6379"}},
		{"redis.internal", RedisClientOpt{Addr: "redis.internal:6379"}},
		{":6380", RedisClientOpt{Addr: "localhost:6380"}},
		{"redis://:secret@cache:6390/2", RedisClientOpt{Network: "tcp", Addr: "cache:6390", Password: "secret", DB: 2}},
	}
	for _, tc := range tests {
		got, err := ParseRedisAddr(tc.addr)
		require.NoError(t, err, tc.addr)
		assert.Equal(t, tc.want, got, tc.addr)
	}

	for _, addr := range []string{"", "host:port", "redis://host:1/notanumber"} {
		_, err := ParseRedisAddr(addr)
		assert.Error(t, err, addr)
	}
}
