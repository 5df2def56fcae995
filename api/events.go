// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventType discriminates the event union.
type EventType string

const (
	EventTypeJobCreated         EventType = "job_created"
	EventTypeJobStopped         EventType = "job_stopped"
	EventTypeTaskCreated        EventType = "task_created"
	EventTypeTaskStateUpdated   EventType = "task_state_updated"
	EventTypeTaskStopped        EventType = "task_stopped"
	EventTypeTaskFailed         EventType = "task_failed"
	EventTypeNodeCreated        EventType = "node_created"
	EventTypeNodeDeleted        EventType = "node_deleted"
	EventTypeNodeStateUpdated   EventType = "node_state_updated"
	EventTypePoolCreated        EventType = "pool_created"
	EventTypePoolDeleted        EventType = "pool_deleted"
	EventTypeScalesetCreated    EventType = "scaleset_created"
	EventTypeScalesetFailed     EventType = "scaleset_failed"
	EventTypeScalesetDeleted    EventType = "scaleset_deleted"
	EventTypeProxyCreated       EventType = "proxy_created"
	EventTypeProxyDeleted       EventType = "proxy_deleted"
	EventTypeProxyFailed        EventType = "proxy_failed"
	EventTypeCrashReported      EventType = "crash_reported"
	EventTypeRegressionReported EventType = "regression_reported"
	EventTypeFileAdded          EventType = "file_added"
	EventTypePing               EventType = "ping"
)

// Event is one variant of the event union.
type Event interface {
	EventType() EventType
}

type EventJobCreated struct {
	JobID    uuid.UUID `json:"job_id"`
	Config   JobConfig `json:"config"`
	UserInfo *UserInfo `json:"user_info,omitempty"`
}

func (EventJobCreated) EventType() EventType { return EventTypeJobCreated }

type EventJobStopped struct {
	JobID    uuid.UUID        `json:"job_id"`
	Config   JobConfig        `json:"config"`
	UserInfo *UserInfo        `json:"user_info,omitempty"`
	TaskInfo []JobTaskStopped `json:"task_info,omitempty"`
}

func (EventJobStopped) EventType() EventType { return EventTypeJobStopped }

type EventTaskCreated struct {
	JobID    uuid.UUID  `json:"job_id"`
	TaskID   uuid.UUID  `json:"task_id"`
	Config   TaskConfig `json:"config"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
}

func (EventTaskCreated) EventType() EventType { return EventTypeTaskCreated }

type EventTaskStateUpdated struct {
	JobID   uuid.UUID  `json:"job_id"`
	TaskID  uuid.UUID  `json:"task_id"`
	State   TaskState  `json:"state"`
	EndTime *time.Time `json:"end_time,omitempty"`
	Config  TaskConfig `json:"config"`
}

func (EventTaskStateUpdated) EventType() EventType { return EventTypeTaskStateUpdated }

type EventTaskStopped struct {
	JobID    uuid.UUID  `json:"job_id"`
	TaskID   uuid.UUID  `json:"task_id"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
	Config   TaskConfig `json:"config"`
}

func (EventTaskStopped) EventType() EventType { return EventTypeTaskStopped }

type EventTaskFailed struct {
	JobID    uuid.UUID  `json:"job_id"`
	TaskID   uuid.UUID  `json:"task_id"`
	Error    Error      `json:"error"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
	Config   TaskConfig `json:"config"`
}

func (EventTaskFailed) EventType() EventType { return EventTypeTaskFailed }

type EventNodeCreated struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (EventNodeCreated) EventType() EventType { return EventTypeNodeCreated }

type EventNodeDeleted struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (EventNodeDeleted) EventType() EventType { return EventTypeNodeDeleted }

type EventNodeStateUpdated struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
	State      NodeState  `json:"state"`
}

func (EventNodeStateUpdated) EventType() EventType { return EventTypeNodeStateUpdated }

type EventPoolCreated struct {
	PoolName  string           `json:"pool_name"`
	OS        OS               `json:"os"`
	Arch      Architecture     `json:"arch"`
	Managed   bool             `json:"managed"`
	Autoscale *AutoscaleConfig `json:"autoscale,omitempty"`
}

func (EventPoolCreated) EventType() EventType { return EventTypePoolCreated }

type EventPoolDeleted struct {
	PoolName string `json:"pool_name"`
}

func (EventPoolDeleted) EventType() EventType { return EventTypePoolDeleted }

type EventScalesetCreated struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
	VMSku      string    `json:"vm_sku"`
	Image      string    `json:"image"`
	Region     string    `json:"region"`
	Size       int64     `json:"size"`
}

func (EventScalesetCreated) EventType() EventType { return EventTypeScalesetCreated }

type EventScalesetFailed struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
	Error      Error     `json:"error"`
}

func (EventScalesetFailed) EventType() EventType { return EventTypeScalesetFailed }

type EventScalesetDeleted struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
}

func (EventScalesetDeleted) EventType() EventType { return EventTypeScalesetDeleted }

type EventProxyCreated struct {
	Region  string     `json:"region"`
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`
}

func (EventProxyCreated) EventType() EventType { return EventTypeProxyCreated }

type EventProxyDeleted struct {
	Region  string     `json:"region"`
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`
}

func (EventProxyDeleted) EventType() EventType { return EventTypeProxyDeleted }

type EventProxyFailed struct {
	Region  string     `json:"region"`
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`
	Error   Error      `json:"error"`
}

func (EventProxyFailed) EventType() EventType { return EventTypeProxyFailed }

type EventCrashReported struct {
	Container string                 `json:"container"`
	Filename  string                 `json:"filename"`
	Report    map[string]interface{} `json:"report"`
}

func (EventCrashReported) EventType() EventType { return EventTypeCrashReported }

type EventRegressionReported struct {
	Container        string                 `json:"container"`
	Filename         string                 `json:"filename"`
	RegressionReport map[string]interface{} `json:"regression_report"`
}

func (EventRegressionReported) EventType() EventType { return EventTypeRegressionReported }

type EventFileAdded struct {
	Container string `json:"container"`
	Filename  string `json:"filename"`
}

func (EventFileAdded) EventType() EventType { return EventTypeFileAdded }

type EventPing struct {
	PingID uuid.UUID `json:"ping_id"`
}

func (EventPing) EventType() EventType { return EventTypePing }

// EventEnvelope is the published form of an event: the tagged variant plus
// instance identity, and the webhook id when delivered to a webhook.
type EventEnvelope struct {
	EventID      uuid.UUID  `json:"event_id"`
	EventType    EventType  `json:"event_type"`
	Event        Event      `json:"event"`
	InstanceID   uuid.UUID  `json:"instance_id"`
	InstanceName string     `json:"instance_name"`
	WebhookID    *uuid.UUID `json:"webhook_id,omitempty"`
}

type eventEnvelopeWire struct {
	EventID      uuid.UUID       `json:"event_id"`
	EventType    EventType       `json:"event_type"`
	Event        json.RawMessage `json:"event"`
	InstanceID   uuid.UUID       `json:"instance_id"`
	InstanceName string          `json:"instance_name"`
	WebhookID    *uuid.UUID      `json:"webhook_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, errors.New("event envelope has no event")
	}
	if e.Event.EventType() != e.EventType {
		return nil, errors.Errorf("event envelope type %q does not match event %q", e.EventType, e.Event.EventType())
	}
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelopeWire{
		EventID:      e.EventID,
		EventType:    e.EventType,
		Event:        payload,
		InstanceID:   e.InstanceID,
		InstanceName: e.InstanceName,
		WebhookID:    e.WebhookID,
	})
}

// UnmarshalJSON implements json.Unmarshaler, selecting the variant by tag.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var wire eventEnvelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	event, err := unmarshalEvent(wire.EventType, wire.Event)
	if err != nil {
		return err
	}
	e.EventID = wire.EventID
	e.EventType = wire.EventType
	e.Event = event
	e.InstanceID = wire.InstanceID
	e.InstanceName = wire.InstanceName
	e.WebhookID = wire.WebhookID
	return nil
}

func unmarshalEvent(t EventType, data json.RawMessage) (Event, error) {
	var event Event
	switch t {
	case EventTypeJobCreated:
		event = &EventJobCreated{}
	case EventTypeJobStopped:
		event = &EventJobStopped{}
	case EventTypeTaskCreated:
		event = &EventTaskCreated{}
	case EventTypeTaskStateUpdated:
		event = &EventTaskStateUpdated{}
	case EventTypeTaskStopped:
		event = &EventTaskStopped{}
	case EventTypeTaskFailed:
		event = &EventTaskFailed{}
	case EventTypeNodeCreated:
		event = &EventNodeCreated{}
	case EventTypeNodeDeleted:
		event = &EventNodeDeleted{}
	case EventTypeNodeStateUpdated:
		event = &EventNodeStateUpdated{}
	case EventTypePoolCreated:
		event = &EventPoolCreated{}
	case EventTypePoolDeleted:
		event = &EventPoolDeleted{}
	case EventTypeScalesetCreated:
		event = &EventScalesetCreated{}
	case EventTypeScalesetFailed:
		event = &EventScalesetFailed{}
	case EventTypeScalesetDeleted:
		event = &EventScalesetDeleted{}
	case EventTypeProxyCreated:
		event = &EventProxyCreated{}
	case EventTypeProxyDeleted:
		event = &EventProxyDeleted{}
	case EventTypeProxyFailed:
		event = &EventProxyFailed{}
	case EventTypeCrashReported:
		event = &EventCrashReported{}
	case EventTypeRegressionReported:
		event = &EventRegressionReported{}
	case EventTypeFileAdded:
		event = &EventFileAdded{}
	case EventTypePing:
		event = &EventPing{}
	default:
		return nil, errors.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, err
	}
	return event, nil
}
