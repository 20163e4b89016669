package main

// Flag structs to decouple cobra from logic for testing.

type AddFlags struct {
	Name      string
	Engine    string
	Version   string
	Port      int
	AutoStart bool
	Username  string
	Password  string
	DataPath  string
}

type UpdateFlags struct {
	Name      string
	Version   string
	Port      int
	AutoStart bool
	Username  string
	Password  string
}

type StatusFlags struct {
	Verify bool
}

type FindPortFlags struct {
	Max int
}

type CheckPortFlags struct {
	Exclude string
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}
