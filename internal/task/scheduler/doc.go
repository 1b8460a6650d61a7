// Package scheduler turns persisted scheduled tasks into task units.
//
// Tasks are stored with a schedule of type cron, interval or once. A robfig/cron
// entry polls the store for due tasks and enqueues each one on its chat's task
// lane; the group queue drops a task id that is already queued or running, so
// a slow run is never doubled by the next poll.
package scheduler
