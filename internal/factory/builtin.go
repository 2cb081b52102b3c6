package factory

// Builtin returns a registry with the stock modules:
//
//	matchers: cron, interval, once, daily, weekly, hourly, schedule, never
//	tasks:    log, exec, http, systemd
//	contexts: map
func Builtin() *Registry {
	r := NewRegistry()
	r.RegisterMatcher("cron", newCronMatcher)
	r.RegisterMatcher("interval", newIntervalMatcher)
	r.RegisterMatcher("once", newOnceMatcher)
	r.RegisterMatcher("daily", newDailyMatcher)
	r.RegisterMatcher("weekly", newWeeklyMatcher)
	r.RegisterMatcher("hourly", newHourlyMatcher)
	r.RegisterMatcher("schedule", newScheduleMatcher)
	r.RegisterMatcher("never", newNeverMatcher)

	r.RegisterTask("log", newLogTask)
	r.RegisterTask("exec", newExecTask)
	r.RegisterTask("http", newHTTPTask)
	r.RegisterTask("systemd", newSystemdTask)

	r.RegisterContext("map", newMapContext)
	return r
}
