// Package service implements the repeating collection mode.
//
// The Supervisor owns an event loop fed by a gocron scheduler. Every tick
// requests a run; runs execute one at a time inside the loop, so a slow run
// delays the next one instead of overlapping with it. At startup the
// supervisor repairs runs left in the running state by killed processes.
//
// Schedules are either a 5 field cron expression (or macro such as @hourly)
// or an interval written as a Go duration, an ISO-8601 duration or in days.
package service
