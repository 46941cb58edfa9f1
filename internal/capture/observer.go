package capture

import (
	"sync"

	"github.com/voxkit/capture/internal/types"
)

// Observer receives informational status updates from the engine. OnLevel is
// invoked once per tick with the current level and threshold; OnStatus is
// invoked on every coarse state transition. Both are side channels only and
// must never influence state-machine decisions. Implementations must not
// block: slow consumers should buffer or drop internally.
type Observer interface {
	OnLevel(update types.LevelUpdate)
	OnStatus(status types.CoarseStatus)
}

// Observers fans out engine updates to any number of subscribers (UI feeds,
// logging). It is safe for concurrent use.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
}

// Subscribe registers an observer. There is no unsubscribe; observers live
// as long as the engine.
func (o *Observers) Subscribe(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

// NotifyLevel forwards a per-tick level reading to all observers.
func (o *Observers) NotifyLevel(update types.LevelUpdate) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.list {
		obs.OnLevel(update)
	}
}

// NotifyStatus forwards a coarse status transition to all observers.
func (o *Observers) NotifyStatus(status types.CoarseStatus) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.list {
		obs.OnStatus(status)
	}
}

// coarseOf maps a state-machine state to the coarse observer status.
func coarseOf(state types.CaptureState) types.CoarseStatus {
	switch state {
	case types.StateRecording, types.StateAwaitingSilenceTimeout:
		return types.StatusListening
	case types.StateCalibrating:
		return types.StatusProcessing
	default:
		return types.StatusIdle
	}
}
