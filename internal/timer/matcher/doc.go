// Package matcher provides timer.Matcher implementations: cron expressions
// (robfig/cron), fixed intervals, one-shot instants and an end-date wrapper.
//
// All matchers are pure with respect to Match: they only look at lastFire and
// now, so the timer forecast can call them freely.
package matcher
