package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionRegistry(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 16, utCtxt)
	assert.Nil(err)
	uut, err := DefineRegistrySet(tp, nil)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	// Case 1: creating against an unknown connection fails
	{
		_, err := uut.Subscriptions.Create(utCtxt, uuid.New().String(), SubscriptionFilter{
			Viewport: &common.Viewport{West: -10, South: -10, East: 10, North: 10},
		})
		assert.Equal(ErrUnknownConnection, err)
	}

	owner, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	stranger, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)

	// Case 2: create a viewport subscription
	viewportSub := Subscription{}
	{
		record, err := uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
			Viewport: &common.Viewport{West: -10, South: -10, East: 10, North: 10},
		})
		assert.Nil(err)
		assert.NotEmpty(record.ID)
		assert.Equal(owner, record.ConnectionID)
		assert.NotNil(record.Filter.Viewport)
		assert.Equal(record.CreatedAt, record.UpdatedAt)
		viewportSub = record
	}

	// Case 3: create a semantic query subscription
	querySub := Subscription{}
	{
		record, err := uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
			Query: json.RawMessage(`{"tag":"food-truck"}`),
		})
		assert.Nil(err)
		assert.Nil(record.Filter.Viewport)
		assert.NotEmpty(record.Filter.Query)
		querySub = record
	}

	// Case 4: list returns the records in creation order
	{
		records, err := uut.Subscriptions.List(utCtxt, owner)
		assert.Nil(err)
		assert.Len(records, 2)
		assert.Equal(viewportSub.ID, records[0].ID)
		assert.Equal(querySub.ID, records[1].ID)
	}

	// Case 5: only the owner can update
	{
		_, err := uut.Subscriptions.Update(utCtxt, stranger, viewportSub.ID, SubscriptionFilter{
			Query: json.RawMessage(`{"tag":"coffee"}`),
		})
		assert.Equal(ErrNotOwner, err)
		_, err = uut.Subscriptions.Update(utCtxt, owner, uuid.New().String(), SubscriptionFilter{
			Query: json.RawMessage(`{"tag":"coffee"}`),
		})
		assert.Equal(ErrSubscriptionNotFound, err)
	}

	// Case 6: update replaces the filter
	{
		record, err := uut.Subscriptions.Update(utCtxt, owner, viewportSub.ID, SubscriptionFilter{
			Query: json.RawMessage(`{"tag":"coffee"}`),
		})
		assert.Nil(err)
		assert.Equal(viewportSub.ID, record.ID)
		assert.Nil(record.Filter.Viewport)
		assert.NotEmpty(record.Filter.Query)
		assert.True(record.UpdatedAt.After(record.CreatedAt))
	}

	// Case 7: only the owner can delete
	{
		assert.Equal(ErrNotOwner, uut.Subscriptions.Delete(utCtxt, stranger, querySub.ID))
	}

	// Case 8: delete removes the record
	{
		assert.Nil(uut.Subscriptions.Delete(utCtxt, owner, viewportSub.ID))
		records, err := uut.Subscriptions.List(utCtxt, owner)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal(querySub.ID, records[0].ID)
		assert.Equal(
			ErrSubscriptionNotFound, uut.Subscriptions.Delete(utCtxt, owner, viewportSub.ID),
		)
	}

	// Case 9: a connection with no subscriptions lists empty
	{
		records, err := uut.Subscriptions.List(utCtxt, stranger)
		assert.Nil(err)
		assert.Empty(records)
	}
}
