package common

import (
	"context"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// UpdateLogTags create a copy of the log tags augmented with the request parameters
// recorded in the context, if any
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	result := log.Fields{}
	for key, value := range original {
		result[key] = value
	}
	if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		result["request_id"] = param.ID
		result["request_method"] = param.Method
		result["request_uri"] = param.URI
	}
	return result, nil
}
