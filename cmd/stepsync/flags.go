package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIURL     string
	Timeout    time.Duration
	LogLevel   string
}

// StatsFlags holds flags for the stats command.
type StatsFlags struct {
	Watch    bool
	Interval time.Duration
}
