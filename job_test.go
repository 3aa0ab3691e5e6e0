// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"testing"

	"github.com/hemant/resq/internal/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobDefaultsArgs(t *testing.T) {
	job := NewJob("Email")
	assert.Equal(t, "Email", job.Class())
	assert.NotNil(t, job.Args())
	assert.Equal(t, 0, job.NArgs())
	assert.Nil(t, job.Arg(0))
	assert.Equal(t, "", job.Queue())
}

func TestJobArgAccessors(t *testing.T) {
	// Args as they come back from JSON.
	msg := &base.Message{
		Class: "Report",
		Args: []interface{}{
			"alice",
			float64(42),
			float64(2.5),
			true,
			[]interface{}{"a", "b"},
			map[string]interface{}{"k": "v"},
		},
	}
	job := newJobFromMessage(msg, "reports")
	assert.Equal(t, "reports", job.Queue())
	assert.Equal(t, 6, job.NArgs())

	s, err := job.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "alice", s)

	n, err := job.IntArg(1)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n64, err := job.Int64Arg(1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n64)

	f, err := job.Float64Arg(2)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	b, err := job.BoolArg(3)
	require.NoError(t, err)
	assert.True(t, b)

	ss, err := job.StringSliceArg(4)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ss)

	m, err := job.MapArg(5)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, m)

	_, err = job.StringArg(6)
	assert.Error(t, err)
	_, err = job.IntArg(-1)
	assert.Error(t, err)
	_, err = job.IntArg(5)
	assert.Error(t, err)
}

func TestMuxDispatchesByClass(t *testing.T) {
	mux := NewMux()
	var got []string
	mux.HandleFunc("A", func(_ context.Context, job *Job) error {
		got = append(got, "A:"+job.Class())
		return nil
	})
	mux.HandleFunc("B", func(_ context.Context, job *Job) error {
		got = append(got, "B:"+job.Class())
		return errors.New("boom")
	})

	require.NoError(t, mux.Perform(context.Background(), NewJob("A")))
	assert.EqualError(t, mux.Perform(context.Background(), NewJob("B")), "boom")
	assert.Equal(t, []string{"A:A", "B:B"}, got)

	err := mux.Perform(context.Background(), NewJob("C"))
	assert.True(t, errors.Is(err, ErrUnknownJobClass))
	assert.Contains(t, err.Error(), `"C"`)

	assert.Equal(t, []string{"A", "B"}, mux.Classes())
}

func TestMuxHandlePanics(t *testing.T) {
	noop := func(context.Context, *Job) error { return nil }
	mux := NewMux()
	mux.HandleFunc("A", noop)

	assert.Panics(t, func() { mux.HandleFunc("A", noop) })
	assert.Panics(t, func() { mux.HandleFunc("", noop) })
	assert.Panics(t, func() { mux.Handle("B", nil) })
	assert.Panics(t, func() { mux.HandleFunc("B", nil) })
}
