//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgexfoundry/llrp-control-go/internal/llrp"
)

func response(id llrp.MessageID) llrp.Message {
	m := llrp.NewStatusResponse(llrp.AddROSpecResponse, llrp.LLRPStatus{Code: llrp.StatusSuccess})
	m.ID = id
	return m
}

func TestAwaitTable_delivered(t *testing.T) {
	table := newAwaitTable()
	p, err := table.register(7, time.Second)
	require.NoError(t, err)
	defer table.unregister(7)

	go func() { assert.True(t, table.notify(response(7))) }()

	resp, inTime, err := table.await(context.Background(), p)
	require.NoError(t, err)
	require.True(t, inTime)
	require.NotNil(t, resp)
	assert.Equal(t, llrp.MessageID(7), resp.ID)
	assert.Equal(t, llrp.AddROSpecResponse, resp.Type)
}

func TestAwaitTable_timeout(t *testing.T) {
	table := newAwaitTable()
	p, err := table.register(8, 10*time.Millisecond)
	require.NoError(t, err)

	resp, inTime, err := table.await(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, inTime)
	assert.Nil(t, resp)

	// Too late: the entry expired.
	assert.False(t, table.notify(response(8)))

	table.unregister(8)
	assert.Equal(t, 0, table.size())
	assert.False(t, table.notify(response(8)))
}

func TestAwaitTable_unknownID(t *testing.T) {
	table := newAwaitTable()
	assert.False(t, table.notify(response(99)))
}

func TestAwaitTable_duplicateNotify(t *testing.T) {
	table := newAwaitTable()
	p, err := table.register(3, time.Second)
	require.NoError(t, err)
	defer table.unregister(3)

	assert.True(t, table.notify(response(3)))
	assert.False(t, table.notify(response(3)))

	resp, inTime, err := table.await(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, inTime)
	assert.NotNil(t, resp)
}

func TestAwaitTable_duplicateRegister(t *testing.T) {
	table := newAwaitTable()
	_, err := table.register(1, time.Second)
	require.NoError(t, err)

	_, err = table.register(1, time.Second)
	assert.True(t, errors.Is(err, ErrDuplicateID), "%+v", err)

	table.unregister(1)
	_, err = table.register(1, time.Second)
	assert.NoError(t, err)
}

func TestAwaitTable_contextCanceled(t *testing.T) {
	table := newAwaitTable()
	p, err := table.register(2, time.Minute)
	require.NoError(t, err)
	defer table.unregister(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, inTime, err := table.await(ctx, p)
	assert.True(t, errors.Is(err, context.Canceled), "%+v", err)
	assert.False(t, inTime)
	assert.Nil(t, resp)
}

func TestAwaitTable_abortAll(t *testing.T) {
	table := newAwaitTable()

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		p, err := table.register(llrp.MessageID(i), time.Minute)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := table.await(context.Background(), p)
			errs <- err
		}()
	}

	table.abortAll()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, errors.Is(err, ErrClientClosed), "%+v", err)
	}
	assert.Equal(t, 0, table.size())

	// The table is still usable after an abort.
	_, err := table.register(100, time.Second)
	assert.NoError(t, err)
}

func TestAwaitTable_close(t *testing.T) {
	table := newAwaitTable()
	p, err := table.register(1, time.Minute)
	require.NoError(t, err)

	table.close()
	_, _, err = table.await(context.Background(), p)
	assert.True(t, errors.Is(err, ErrClientClosed), "%+v", err)

	_, err = table.register(2, time.Second)
	assert.True(t, errors.Is(err, ErrClientClosed), "%+v", err)

	// closing twice is fine
	table.close()
}

// A response racing the timeout is either delivered and reported in time,
// or rejected by notify; it's never both or neither.
func TestAwaitTable_deliverExpireRace(t *testing.T) {
	table := newAwaitTable()

	for i := 0; i < 500; i++ {
		id := llrp.MessageID(i)
		p, err := table.register(id, time.Millisecond)
		require.NoError(t, err)

		delivered := make(chan bool, 1)
		go func() {
			time.Sleep(time.Duration(i%3) * 500 * time.Microsecond)
			delivered <- table.notify(response(id))
		}()

		resp, inTime, err := table.await(context.Background(), p)
		require.NoError(t, err)

		ok := <-delivered
		table.unregister(id)

		require.Equal(t, ok, inTime, "iteration %d", i)
		require.Equal(t, inTime, resp != nil, "iteration %d", i)
	}
}
