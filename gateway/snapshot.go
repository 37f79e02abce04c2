package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/core"
	"github.com/apex/log"
)

// SnapshotProvider fetches the markers currently within a viewport from the
// data layer
type SnapshotProvider interface {
	// QueryMarkers fetch the markers inside a viewport
	QueryMarkers(ctxt context.Context, viewport common.Viewport) ([]common.Marker, error)
}

// snapshotRequest wire form of one snapshot query
type snapshotRequest struct {
	Viewport common.Viewport `json:"viewport"`
}

// snapshotResponse wire form of one snapshot reply
type snapshotResponse struct {
	Markers []common.Marker `json:"markers"`
}

// natsSnapshotProviderImpl implements SnapshotProvider over NATS request-reply
type natsSnapshotProviderImpl struct {
	common.Component
	nats    *core.NatsClient
	subject string
	timeout time.Duration
}

// GetNatsSnapshotProvider define new SnapshotProvider querying over NATS
func GetNatsSnapshotProvider(
	natsClient *core.NatsClient, subject string, timeout time.Duration,
) (SnapshotProvider, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "snapshot-provider",
		"subject":   subject,
	}
	return &natsSnapshotProviderImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		timeout:   timeout,
	}, nil
}

// QueryMarkers fetch the markers inside a viewport
func (p *natsSnapshotProviderImpl) QueryMarkers(
	ctxt context.Context, viewport common.Viewport,
) ([]common.Marker, error) {
	payload, err := json.Marshal(&snapshotRequest{Viewport: viewport})
	if err != nil {
		return nil, err
	}
	useContext, cancel := context.WithTimeout(ctxt, p.timeout)
	defer cancel()
	reply, err := p.nats.NATs().RequestWithContext(useContext, p.subject, payload)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Snapshot query failed")
		return nil, err
	}
	var parsed snapshotResponse
	if err := json.Unmarshal(reply.Data, &parsed); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Snapshot reply unparsable")
		return nil, err
	}
	log.WithFields(p.LogTags).Debugf("Snapshot returned %d markers", len(parsed.Markers))
	return parsed.Markers, nil
}
