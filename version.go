package daemon

// Version is the current version of the go-daemon library
const Version = "1.0.0"
