// Package service defines the contract between supervised runtime
// components and the coordinator that runs them.
//
// A Managed Service is anything with a name and a blocking Run method.
// Run must call Reporter.Ready once it can serve, return nil when its
// context is cancelled, and return a non-nil error to signal a crash.
//
//	type pinger struct{}
//
//	func (pinger) Name() string { return "pinger" }
//
//	func (pinger) Run(ctx context.Context, r service.Reporter) error {
//	    r.Ready()
//	    <-ctx.Done()
//	    return nil
//	}
package service
