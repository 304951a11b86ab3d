// Package app hosts user automations on top of the runtime core.
//
// An App receives a Context scoped to its name. Every subscription and job
// created through the Context is owned by the app, so stopping the host
// cancels all of them as a group:
//
//	host := app.NewHost(app.Deps{...})
//	host.Register(myApp)
//	coordinator.Add(host, coordinator.Spec{DependsOn: []string{"bus", "scheduler", "state"}})
//
// Apps are initialized in registration order once the bus, scheduler and
// state cache are serving. An app whose Initialize fails is cleaned up and
// reported; the remaining apps keep running and the host reports degraded.
package app
