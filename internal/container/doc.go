// Package container starts agent workers as sandboxed containers.
//
// A worker is one `docker run -i` (or Apple `container run -i`) process per
// unit. Input is written to its stdin as JSON lines; output frames are read
// from stdout. Closing stdin asks the agent to finish; Kill stops the
// container by name.
package container
