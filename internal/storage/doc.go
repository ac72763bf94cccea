// Package storage persists racebot's durable state in a single SQLite file:
//
//   - race records (the schedule being announced)
//   - delivery records (at-most-once reminder state, survives restarts)
//   - the scheduler checkpoint (start of the next due-detection window)
package storage
