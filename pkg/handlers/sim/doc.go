// Package sim provides simulated resource handlers backed by an in-memory
// provider. It is used by tests, examples and the CLI demo flow: templates
// declaring sim.Instance, sim.Volume, sim.VolumeAttachment, sim.WaitHandle
// and sim.WaitCondition resources run through the full engine lifecycle
// without touching real infrastructure. Latency and failures are scriptable
// per type and per resource, so dependency ordering, rollback and
// orphan-prevention paths can all be exercised deterministically.
package sim
