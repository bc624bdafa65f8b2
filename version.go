package stagehand

// Version is the library version, stamped into builds and server handshakes.
const Version = "0.1.0"
