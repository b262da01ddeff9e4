package device

import "koresoft/device-identity/internal/model"

// transitions lists, per state, the states it may move to.
var transitions = map[model.DeviceState][]model.DeviceState{
	model.DeviceStatePending:   {model.DeviceStateActive, model.DeviceStateRejected, model.DeviceStateTerminated},
	model.DeviceStateActive:    {model.DeviceStateSuspended, model.DeviceStateTerminated},
	model.DeviceStateSuspended: {model.DeviceStateSuspended, model.DeviceStateActive, model.DeviceStateTerminated},
	model.DeviceStateRejected:  {model.DeviceStateTerminated},
}

// CanTransition reports whether a device may move from one state to another.
// A suspended device may be suspended again to change its deadline. An
// elapsed suspension does not reactivate the device by itself.
func CanTransition(from, to model.DeviceState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
