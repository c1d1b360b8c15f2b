package logging

// DebugEnable is set by the linker (-X) to include Debuggable sections, such
// as full MQTT payload and manifest dumps, in the build.
var DebugEnable string

// Debuggable is true for builds made with DebugEnable set. Release builds keep
// these sections out of the hot path.
var Debuggable = DebugEnable != ""
