package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DecodeError malformed envelope or payload. Field names the offending
// envelope or payload field.
type DecodeError struct {
	Field  string
	Reason string
}

// Error implement error
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure on field '%s': %s", e.Field, e.Reason)
}

// Codec parses and serializes the wire message envelope. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	validate *validator.Validate
}

// GetCodec define a wire codec
func GetCodec() Codec {
	validate := validator.New()
	// Report json field names in validation failures
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return Codec{validate: validate}
}

// Decode parse a raw inbound message into its type and typed payload
func (c Codec) Decode(raw []byte) (MessageType, interface{}, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, &DecodeError{Field: "envelope", Reason: err.Error()}
	}
	if envelope.Type == "" {
		return "", nil, &DecodeError{Field: "type", Reason: "missing message type"}
	}

	var payload interface{}
	switch envelope.Type {
	case MsgClientIdentification:
		payload = &ClientIdentification{}
	case MsgViewportUpdate:
		payload = &ViewportUpdate{}
	case MsgCreateSession:
		payload = &CreateSession{}
	case MsgJoinSession:
		payload = &JoinSession{}
	case MsgClearSession:
		payload = &ClearSession{}
	case MsgAddJob:
		payload = &AddJob{}
	case MsgCancelJob:
		payload = &CancelJob{}
	case MsgCreateSubscription:
		payload = &CreateSubscription{}
	case MsgUpdateSubscription:
		payload = &UpdateSubscription{}
	case MsgDeleteSubscription:
		payload = &DeleteSubscription{}
	case MsgListSubscriptions:
		payload = &ListSubscriptions{}
	default:
		return "", nil, &DecodeError{
			Field: "type", Reason: fmt.Sprintf("unknown message type '%s'", envelope.Type),
		}
	}

	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, payload); err != nil {
			return "", nil, &DecodeError{Field: "payload", Reason: err.Error()}
		}
	}
	if err := c.validate.Struct(payload); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return "", nil, &DecodeError{
				Field: verrs[0].Field(), Reason: "required field missing or malformed",
			}
		}
		return "", nil, &DecodeError{Field: "payload", Reason: err.Error()}
	}

	// Cross field checks the struct tags cannot express
	switch request := payload.(type) {
	case *CreateSubscription:
		if err := validateCriteria(request.Criteria); err != nil {
			return "", nil, err
		}
	case *UpdateSubscription:
		if err := validateCriteria(request.Criteria); err != nil {
			return "", nil, err
		}
	}

	return envelope.Type, payload, nil
}

// validateCriteria enforce the one-of shape of subscription criteria
func validateCriteria(criteria *SubscriptionCriteria) error {
	haveViewport := criteria.Viewport != nil
	haveQuery := len(criteria.Query) > 0
	if haveViewport == haveQuery {
		return &DecodeError{
			Field: "criteria", Reason: "exactly one of viewport or query must be given",
		}
	}
	if haveViewport {
		if err := criteria.Viewport.Validate(); err != nil {
			return &DecodeError{Field: "criteria", Reason: err.Error()}
		}
	}
	return nil
}

// Encode serialize an outbound message into its wire envelope
func (c Codec) Encode(msgType MessageType, payload interface{}) ([]byte, error) {
	envelope := Envelope{Type: msgType}
	if payload != nil {
		serialized, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = serialized
	}
	return json.Marshal(&envelope)
}

// ValidateUserID verify a user ID is a canonical version-4 UUID
func ValidateUserID(userID string) error {
	if len(userID) != 36 {
		return fmt.Errorf("user ID '%s' is not in canonical UUID form", userID)
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("user ID '%s' is not a UUID: %s", userID, err)
	}
	if parsed.Version() != 4 {
		return fmt.Errorf("user ID '%s' is not a version-4 UUID", userID)
	}
	if parsed.Variant() != uuid.RFC4122 {
		return fmt.Errorf("user ID '%s' does not carry the RFC 4122 variant", userID)
	}
	return nil
}
