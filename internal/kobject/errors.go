package kobject

import "errors"

var (
	// ErrAlreadyDelegated is returned by PT.DelegateTo when the portal has
	// already been delegated into a PD (spec §4.2: "an attempt to delegate
	// a portal twice fails at the component boundary").
	ErrAlreadyDelegated = errors.New("kobject: portal already delegated")

	// ErrSCAlreadyAttached is returned when a second SC is attached to a
	// global EC (spec §3: "a global EC has at most one attached SC").
	ErrSCAlreadyAttached = errors.New("kobject: global EC already has an attached scheduling context")

	// ErrNotGlobal is returned when an SC-attaching operation targets a
	// local EC. CreatePortal also returns it when handed a global EC, since
	// portals attach only to local ECs; the message text names the SC case.
	ErrNotGlobal = errors.New("kobject: scheduling contexts can only attach to global execution contexts")

	// ErrClosed is returned by operations on a PD that has already been
	// torn down.
	ErrClosed = errors.New("kobject: protection domain is closed")
)
