package types

import (
	"time"
)

type ChangeOp string

const (
	ChangeOpPut        ChangeOp = "put"
	ChangeOpInvalidate ChangeOp = "invalidate"
	ChangeOpEvict      ChangeOp = "evict"
	ChangeOpExpire     ChangeOp = "expire"
	ChangeOpRefresh    ChangeOp = "refresh"
)

// ChangeEvent is emitted synchronously by the entry store as part of
// every mutation; observers never rely on incidental change detection.
type ChangeEvent struct {
	Op        ChangeOp  `json:"op"`
	Kind      DataKind  `json:"kind"`
	ID        string    `json:"id,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

type ChangeHandler func(event *ChangeEvent) error

type ChangeBroker interface {
	LifecycleManager
	Publish(event *ChangeEvent) error
	Subscribe(op ChangeOp, handler ChangeHandler) error
	Unsubscribe(op ChangeOp) error
}

// LifecycleEvent is raised by the application shell over the change
// feed (launch, resume, logout); the service maps them to hydration and
// invalidation triggers.
type LifecycleEvent string

const (
	LifecycleLaunch LifecycleEvent = "launch"
	LifecycleResume LifecycleEvent = "resume"
	LifecycleLogout LifecycleEvent = "logout"
)
