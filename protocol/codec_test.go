package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCodecDecode(t *testing.T) {
	assert := assert.New(t)

	uut := GetCodec()

	// Case 1: not JSON at all
	{
		_, _, err := uut.Decode([]byte("not json"))
		assert.NotNil(err)
		decodeErr, ok := err.(*DecodeError)
		assert.True(ok)
		assert.Equal("envelope", decodeErr.Field)
	}

	// Case 2: missing message type
	{
		_, _, err := uut.Decode([]byte(`{"payload":{}}`))
		assert.NotNil(err)
		decodeErr, ok := err.(*DecodeError)
		assert.True(ok)
		assert.Equal("type", decodeErr.Field)
	}

	// Case 3: unknown message type
	{
		_, _, err := uut.Decode([]byte(`{"type":"NO_SUCH_MESSAGE"}`))
		assert.NotNil(err)
	}

	// Case 4: client identification
	{
		userID := uuid.New().String()
		raw, err := json.Marshal(map[string]interface{}{
			"type":    "CLIENT_IDENTIFICATION",
			"payload": map[string]string{"userId": userID},
		})
		assert.Nil(err)
		msgType, payload, err := uut.Decode(raw)
		assert.Nil(err)
		assert.Equal(MsgClientIdentification, msgType)
		parsed, ok := payload.(*ClientIdentification)
		assert.True(ok)
		assert.Equal(userID, parsed.UserID)
	}

	// Case 5: identification without user id
	{
		_, _, err := uut.Decode([]byte(`{"type":"CLIENT_IDENTIFICATION","payload":{}}`))
		assert.NotNil(err)
	}

	// Case 6: viewport update accepts zero coordinates
	{
		raw := []byte(`{"type":"VIEWPORT_UPDATE","payload":{"west":0,"south":0,"east":10,"north":10}}`)
		msgType, payload, err := uut.Decode(raw)
		assert.Nil(err)
		assert.Equal(MsgViewportUpdate, msgType)
		parsed, ok := payload.(*ViewportUpdate)
		assert.True(ok)
		viewport := parsed.Viewport()
		assert.Equal(float64(0), viewport.West)
		assert.Equal(float64(10), viewport.East)
	}

	// Case 7: viewport update with a missing edge
	{
		raw := []byte(`{"type":"VIEWPORT_UPDATE","payload":{"west":0,"south":0,"east":10}}`)
		_, _, err := uut.Decode(raw)
		assert.NotNil(err)
	}

	// Case 8: create session carries no payload
	{
		msgType, _, err := uut.Decode([]byte(`{"type":"CREATE_SESSION"}`))
		assert.Nil(err)
		assert.Equal(MsgCreateSession, msgType)
	}

	// Case 9: join session needs a session id
	{
		_, _, err := uut.Decode([]byte(`{"type":"JOIN_SESSION","payload":{}}`))
		assert.NotNil(err)
		raw := []byte(`{"type":"JOIN_SESSION","payload":{"sessionId":"` + uuid.New().String() + `"}}`)
		msgType, _, err := uut.Decode(raw)
		assert.Nil(err)
		assert.Equal(MsgJoinSession, msgType)
	}
}

func TestCodecSubscriptionCriteria(t *testing.T) {
	assert := assert.New(t)

	uut := GetCodec()

	// Case 1: viewport criteria
	{
		raw := []byte(`{
			"type":"CREATE_SUBSCRIPTION",
			"payload":{"criteria":{"viewport":{"west":-10,"south":-10,"east":10,"north":10}}}
		}`)
		msgType, payload, err := uut.Decode(raw)
		assert.Nil(err)
		assert.Equal(MsgCreateSubscription, msgType)
		parsed, ok := payload.(*CreateSubscription)
		assert.True(ok)
		assert.NotNil(parsed.Criteria.Viewport)
		assert.Empty(parsed.Criteria.Query)
	}

	// Case 2: query criteria
	{
		raw := []byte(`{
			"type":"CREATE_SUBSCRIPTION",
			"payload":{"criteria":{"query":{"tag":"food-truck"}}}
		}`)
		_, payload, err := uut.Decode(raw)
		assert.Nil(err)
		parsed, ok := payload.(*CreateSubscription)
		assert.True(ok)
		assert.Nil(parsed.Criteria.Viewport)
		assert.NotEmpty(parsed.Criteria.Query)
	}

	// Case 3: both at once is rejected
	{
		raw := []byte(`{
			"type":"CREATE_SUBSCRIPTION",
			"payload":{"criteria":{
				"viewport":{"west":-10,"south":-10,"east":10,"north":10},
				"query":{"tag":"food-truck"}
			}}
		}`)
		_, _, err := uut.Decode(raw)
		assert.NotNil(err)
	}

	// Case 4: neither is rejected
	{
		raw := []byte(`{"type":"CREATE_SUBSCRIPTION","payload":{"criteria":{}}}`)
		_, _, err := uut.Decode(raw)
		assert.NotNil(err)
	}

	// Case 5: inverted viewport criteria is rejected
	{
		raw := []byte(`{
			"type":"CREATE_SUBSCRIPTION",
			"payload":{"criteria":{"viewport":{"west":-10,"south":20,"east":10,"north":10}}}
		}`)
		_, _, err := uut.Decode(raw)
		assert.NotNil(err)
	}
}

func TestCodecEncode(t *testing.T) {
	assert := assert.New(t)

	uut := GetCodec()

	// Case 1: payload carrying message round trips through the envelope
	{
		encoded, err := uut.Encode(MsgConnectionEstablished, ConnectionEstablished{
			ConnectionID: uuid.New().String(),
		})
		assert.Nil(err)
		var envelope Envelope
		assert.Nil(json.Unmarshal(encoded, &envelope))
		assert.Equal(MsgConnectionEstablished, envelope.Type)
		assert.NotEmpty(envelope.Payload)
	}

	// Case 2: nil payload leaves the envelope bare
	{
		encoded, err := uut.Encode(MsgViewportUpdated, nil)
		assert.Nil(err)
		var envelope Envelope
		assert.Nil(json.Unmarshal(encoded, &envelope))
		assert.Equal(MsgViewportUpdated, envelope.Type)
		assert.Empty(envelope.Payload)
	}
}

func TestValidateUserID(t *testing.T) {
	assert := assert.New(t)

	// Case 1: canonical v4 UUID
	{
		assert.Nil(ValidateUserID(uuid.New().String()))
	}

	// Case 2: not a UUID
	{
		assert.NotNil(ValidateUserID("definitely-not-a-uuid-but-36-chars-x"))
		assert.NotNil(ValidateUserID("short"))
		assert.NotNil(ValidateUserID(""))
	}

	// Case 3: wrong version
	{
		// Version 1 style layout
		assert.NotNil(ValidateUserID("c232ab00-9414-11ec-b3c8-9f68deced846"))
	}

	// Case 4: uncanonical form of a valid UUID
	{
		id := uuid.New().String()
		noHyphens := ""
		for _, r := range id {
			if r != '-' {
				noHyphens += string(r)
			}
		}
		assert.NotNil(ValidateUserID(noHyphens))
	}
}
