package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/core"
	"github.com/DavidKalina/realtime-markers-demo-sub012/registry"
	"github.com/apex/log"
)

// matchRequest wire form of one semantic match query
type matchRequest struct {
	Query json.RawMessage    `json:"query"`
	Event common.MarkerEvent `json:"event"`
}

// matchResponse wire form of one semantic match verdict
type matchResponse struct {
	Matched bool `json:"matched"`
}

// natsMatcherImpl implements registry.Matcher over NATS request-reply. The
// semantic query collaborator owns the query language; the engine only
// forwards it.
type natsMatcherImpl struct {
	common.Component
	nats    *core.NatsClient
	subject string
	timeout time.Duration
}

// GetNatsMatcher define new semantic query matcher calling out over NATS
func GetNatsMatcher(
	natsClient *core.NatsClient, subject string, timeout time.Duration,
) (registry.Matcher, error) {
	logTags := log.Fields{
		"module":    "broadcast",
		"component": "query-matcher",
		"subject":   subject,
	}
	return &natsMatcherImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		timeout:   timeout,
	}, nil
}

// Match forward one query and event pair to the match collaborator
func (m *natsMatcherImpl) Match(
	ctxt context.Context, query json.RawMessage, event common.MarkerEvent,
) (bool, error) {
	payload, err := json.Marshal(&matchRequest{Query: query, Event: event})
	if err != nil {
		return false, err
	}
	useContext, cancel := context.WithTimeout(ctxt, m.timeout)
	defer cancel()
	reply, err := m.nats.NATs().RequestWithContext(useContext, m.subject, payload)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Match query for %s failed", event)
		return false, err
	}
	var parsed matchResponse
	if err := json.Unmarshal(reply.Data, &parsed); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Match reply unparsable")
		return false, err
	}
	return parsed.Matched, nil
}
