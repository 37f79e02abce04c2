package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
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

	conn1, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	conn2, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)

	// Case 1: joining an unknown session fails
	{
		_, err := uut.Sessions.Join(utCtxt, uuid.New().String(), conn1)
		assert.Equal(ErrSessionNotFound, err)
	}

	sessionID, err := uut.Sessions.Create(utCtxt)
	assert.Nil(err)
	assert.NotEmpty(sessionID)

	// Case 2: joining with an unknown connection fails
	{
		_, err := uut.Sessions.Join(utCtxt, sessionID, uuid.New().String())
		assert.Equal(ErrUnknownConnection, err)
	}

	// Case 3: members join one at a time
	{
		memberCount, err := uut.Sessions.Join(utCtxt, sessionID, conn1)
		assert.Nil(err)
		assert.Equal(1, memberCount)
		memberCount, err = uut.Sessions.Join(utCtxt, sessionID, conn2)
		assert.Nil(err)
		assert.Equal(2, memberCount)
		members, err := uut.Sessions.Members(utCtxt, sessionID)
		assert.Nil(err)
		assert.ElementsMatch([]string{conn1, conn2}, members)
	}

	// Case 4: a member must leave before joining another session
	{
		otherSession, err := uut.Sessions.Create(utCtxt)
		assert.Nil(err)
		_, err = uut.Sessions.Join(utCtxt, otherSession, conn1)
		assert.Equal(ErrAlreadyInSession, err)
	}

	// Case 5: leaving reports the remaining members
	{
		change, err := uut.Sessions.Leave(utCtxt, conn1)
		assert.Nil(err)
		assert.Equal(sessionID, change.SessionID)
		assert.Equal([]string{conn2}, change.Remaining)
		assert.False(change.Deleted)
	}

	// Case 6: leaving with no session is a no-op
	{
		change, err := uut.Sessions.Leave(utCtxt, conn1)
		assert.Nil(err)
		assert.Empty(change.SessionID)
	}

	// Case 7: the last member leaving deletes the session
	{
		change, err := uut.Sessions.Leave(utCtxt, conn2)
		assert.Nil(err)
		assert.Equal(sessionID, change.SessionID)
		assert.Empty(change.Remaining)
		assert.True(change.Deleted)
		_, err = uut.Sessions.Members(utCtxt, sessionID)
		assert.Equal(ErrSessionNotFound, err)
	}
}

func TestSessionClear(t *testing.T) {
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

	conn1, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	conn2, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	sessionID, err := uut.Sessions.Create(utCtxt)
	assert.Nil(err)
	_, err = uut.Sessions.Join(utCtxt, sessionID, conn1)
	assert.Nil(err)
	_, err = uut.Sessions.Join(utCtxt, sessionID, conn2)
	assert.Nil(err)

	// Case 1: clearing an unknown session fails
	{
		_, err := uut.Sessions.Clear(utCtxt, uuid.New().String())
		assert.Equal(ErrSessionNotFound, err)
	}

	// Case 2: clear detaches every member and deletes the session
	formerMembers := []string{}
	{
		members, err := uut.Sessions.Clear(utCtxt, sessionID)
		assert.Nil(err)
		assert.ElementsMatch([]string{conn1, conn2}, members)
		formerMembers = members
		_, err = uut.Sessions.Members(utCtxt, sessionID)
		assert.Equal(ErrSessionNotFound, err)
	}

	// Case 3: former members are free to join a new session
	{
		newSession, err := uut.Sessions.Create(utCtxt)
		assert.Nil(err)
		for _, member := range formerMembers {
			_, err := uut.Sessions.Join(utCtxt, newSession, member)
			assert.Nil(err)
		}
	}
}
