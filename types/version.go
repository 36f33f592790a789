package types

// Version is the canonical project version.
// The CLI, report contract, and notification events share this version.
//
// This version is authoritative. Report consumers compare against this constant.
const Version = "0.3.0"
