package version

// Version is the current version of cdcload.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.9.0"

// Name is the application name.
const Name = "cdcload"

// Description is a short description of the application.
const Description = "Apply batched change streams to a target database"
