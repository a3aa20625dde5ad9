package runicrpc

// Version is the current release of the library.
const Version = "0.3.1"
