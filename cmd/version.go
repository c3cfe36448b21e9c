package cmd

// Version is the application version, set at build time with ldflags:
//
//	go build -ldflags "-X credpilot/cmd.Version=1.0.0"
var Version = "0.1.0"
