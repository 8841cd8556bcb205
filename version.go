package gcalnotify

// Version is set at build time with -ldflags "-X github.com/mashiike/gcalnotify.Version=...".
var Version = "current"
