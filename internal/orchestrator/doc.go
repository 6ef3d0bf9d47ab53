// Package orchestrator assembles the grading and interview flows on a set
// of backends and runs them.
//
// One Orchestrator owns:
//   - The fan-out coordinator with both strategies registered
//   - The tasks and notifications queue consumers
//   - The change dispatcher feeding coordinator, grading and session events
//
// Run starts the loops named by the configured roles, so the same wiring
// serves a single local process or a fleet of specialised workers:
//
//	o, err := orchestrator.NewOrchestrator(orchestrator.RequiredConfig{
//		Backends: backends,
//		Engine:   client,
//	}, orchestrator.WithRoles(orchestrator.RoleTasks))
//	if err != nil {
//		return err
//	}
//	return o.Run(ctx)
package orchestrator
