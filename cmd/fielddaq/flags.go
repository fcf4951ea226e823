package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	ConfigPath string
	Simulate   bool
	NoAlign    bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type InstrumentFlags struct {
	ConfigPath string
	Instrument string
	Cmd        string
	Simulate   bool
	Timeout    time.Duration
}

type TransferFlags struct {
	ConfigPath string
	Timeout    time.Duration
}

type StatusFlags struct {
	Name       string
	Jobs       bool
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}
