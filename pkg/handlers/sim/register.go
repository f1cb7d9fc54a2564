package sim

import (
	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Resource type names served by this package.
const (
	TypeInstance         = "sim.Instance"
	TypeVolume           = "sim.Volume"
	TypeVolumeAttachment = "sim.VolumeAttachment"
	TypeWaitCondition    = "sim.WaitCondition"
	TypeWaitHandle       = "sim.WaitHandle"
)

// Register adds all simulated resource types to the registry. The handlers
// share one cloud so cross-resource operations, such as attaching a volume
// to an instance or signalling a wait handle, see each other's objects.
func Register(registry *engine.Registry, cloud *Cloud) error {
	if err := registry.Register(TypeInstance, NewInstance(cloud)); err != nil {
		return err
	}
	if err := registry.Register(TypeVolume, NewVolume(cloud)); err != nil {
		return err
	}
	if err := registry.Register(TypeVolumeAttachment, NewVolumeAttachment(cloud)); err != nil {
		return err
	}
	if err := registry.Register(TypeWaitCondition, NewWaitCondition(cloud)); err != nil {
		return err
	}
	return registry.Register(TypeWaitHandle, NewWaitHandle(cloud))
}
