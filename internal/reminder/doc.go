// Package reminder implements the reminder scheduling engine: a periodic
// evaluation loop over the stored races, window-covering due detection, and a
// persistent dedup tracker guaranteeing at-most-once delivery per
// (race, reminder kind) across ticks and restarts.
package reminder
